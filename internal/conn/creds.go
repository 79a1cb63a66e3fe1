package conn

// CredentialStore is the external secure-storage collaborator. The manager
// reads it at authentication time and clears it on a forced logout.
type CredentialStore interface {
	// AccessToken returns the bearer token, or ok=false when no session
	// credential is stored.
	AccessToken() (token string, ok bool)
	ClearTokens()
	DeviceID() string
	FCMToken() string
}

// StaticCredentials is a fixed-value CredentialStore for tools and tests.
type StaticCredentials struct {
	Token  string
	Device string
	FCM    string

	cleared bool
}

func (s *StaticCredentials) AccessToken() (string, bool) {
	if s.cleared || s.Token == "" {
		return "", false
	}
	return s.Token, true
}

func (s *StaticCredentials) ClearTokens()     { s.cleared = true }
func (s *StaticCredentials) DeviceID() string { return s.Device }
func (s *StaticCredentials) FCMToken() string { return s.FCM }

package wire

import "testing"

func TestEnvelopeRoundTrip(t *testing.T) {
	env := New(EventNewMessage, map[string]any{"content": "hi", "urgent": true})
	env.ID = "m1"
	env.UserID = "u1"
	env.ChatID = "c1"

	data, err := env.Encode()
	if err != nil {
		t.Fatal(err)
	}
	got, err := Decode(data)
	if err != nil {
		t.Fatal(err)
	}
	if got.Type != EventNewMessage || got.ID != "m1" || got.UserID != "u1" || got.ChatID != "c1" {
		t.Fatalf("decoded = %+v", got)
	}
	if got.String("content") != "hi" || !got.Bool("urgent") {
		t.Fatalf("payload = %v", got.Data)
	}
}

func TestDecodeUnknownTypeSucceeds(t *testing.T) {
	env, err := Decode([]byte(`{"type":"hologram_started","data":{"x":1}}`))
	if err != nil {
		t.Fatal(err)
	}
	if env.Type.Category() != CategoryUnknown {
		t.Fatalf("category = %v", env.Type.Category())
	}
	if env.Float("x") != 1 {
		t.Fatalf("x = %v", env.Float("x"))
	}
}

func TestDecodeMalformed(t *testing.T) {
	if _, err := Decode([]byte("{nope")); err == nil {
		t.Fatal("expected error")
	}
}

func TestEventCategories(t *testing.T) {
	cases := []struct {
		typ  EventType
		want Category
	}{
		{EventAuth, CategoryControl},
		{EventPing, CategoryControl},
		{EventSubscribe, CategoryControl},
		{EventForceLogout, CategorySystem},
		{EventRateLimit, CategorySystem},
		{EventNewMessage, CategoryChat},
		{EventTyping, CategoryChat},
		{EventReactionAdded, CategoryChat},
		{EventFileUploaded, CategoryChat},
		{EventUserOnline, CategoryChat},
		{EventCallInitiate, CategoryCall},
		{EventICECandidate, CategoryCall},
		{EventMediaState, CategoryCall},
		{EventType("mystery"), CategoryUnknown},
	}
	for _, c := range cases {
		if got := c.typ.Category(); got != c.want {
			t.Errorf("%s category = %v, want %v", c.typ, got, c.want)
		}
	}
}

func TestMissingPayloadAccessors(t *testing.T) {
	env := New(EventPing, nil)
	if env.String("x") != "" || env.Bool("x") || env.Float("x") != 0 {
		t.Fatal("absent fields must return zero values")
	}
}

package olm_test

import (
	"encoding/base64"
	"encoding/json"
	"testing"

	"nacre/internal/olm"
)

func TestGroupSession_RoundTrip(t *testing.T) {
	out, err := olm.NewOutboundGroupSession()
	if err != nil {
		t.Fatalf("NewOutboundGroupSession: %v", err)
	}
	key, err := out.SessionKey()
	if err != nil {
		t.Fatalf("SessionKey: %v", err)
	}
	in, err := olm.NewInboundGroupSession(key)
	if err != nil {
		t.Fatalf("NewInboundGroupSession: %v", err)
	}
	if in.ID() != out.ID() {
		t.Fatalf("ids differ: %q vs %q", in.ID(), out.ID())
	}

	for i, want := range []string{"one", "two", "three"} {
		ct, index, err := out.Encrypt([]byte(want))
		if err != nil {
			t.Fatalf("Encrypt %d: %v", i, err)
		}
		if index != uint32(i) {
			t.Fatalf("index = %d, want %d", index, i)
		}
		pt, gotIndex, err := in.Decrypt(ct)
		if err != nil {
			t.Fatalf("Decrypt %d: %v", i, err)
		}
		if gotIndex != index || string(pt) != want {
			t.Fatalf("got (%d, %q), want (%d, %q)", gotIndex, pt, index, want)
		}
	}
}

func TestGroupSession_OutOfOrderWithinKnownRange(t *testing.T) {
	out, _ := olm.NewOutboundGroupSession()
	key, _ := out.SessionKey()
	in, err := olm.NewInboundGroupSession(key)
	if err != nil {
		t.Fatalf("NewInboundGroupSession: %v", err)
	}

	ct0, _, _ := out.Encrypt([]byte("zero"))
	ct1, _, _ := out.Encrypt([]byte("one"))

	if pt, idx, err := in.Decrypt(ct1); err != nil || idx != 1 || string(pt) != "one" {
		t.Fatalf("Decrypt(ct1) = (%q, %d, %v)", pt, idx, err)
	}
	// Earlier indices at or after the first known index stay decryptable.
	if pt, idx, err := in.Decrypt(ct0); err != nil || idx != 0 || string(pt) != "zero" {
		t.Fatalf("Decrypt(ct0) = (%q, %d, %v)", pt, idx, err)
	}
}

func TestGroupSession_CannotDecryptBeforeFirstKnownIndex(t *testing.T) {
	out, _ := olm.NewOutboundGroupSession()

	early, _, err := out.Encrypt([]byte("history"))
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}

	// Export after the first message: the receiver starts at index 1.
	key, _ := out.SessionKey()
	in, err := olm.NewInboundGroupSession(key)
	if err != nil {
		t.Fatalf("NewInboundGroupSession: %v", err)
	}
	if in.FirstKnownIndex() != 1 {
		t.Fatalf("FirstKnownIndex = %d, want 1", in.FirstKnownIndex())
	}
	if _, _, err := in.Decrypt(early); err != olm.ErrUnknownMessageIndex {
		t.Fatalf("err = %v, want ErrUnknownMessageIndex", err)
	}

	later, _, _ := out.Encrypt([]byte("current"))
	if pt, _, err := in.Decrypt(later); err != nil || string(pt) != "current" {
		t.Fatalf("Decrypt(later) = (%q, %v)", pt, err)
	}
}

func TestGroupSession_RejectsTamperedSignature(t *testing.T) {
	out, _ := olm.NewOutboundGroupSession()
	key, _ := out.SessionKey()
	in, _ := olm.NewInboundGroupSession(key)

	ct, _, err := out.Encrypt([]byte("payload"))
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}

	raw, err := base64.RawStdEncoding.DecodeString(ct)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	var msg struct {
		Payload   []byte `json:"payload"`
		Signature []byte `json:"signature"`
	}
	if err := json.Unmarshal(raw, &msg); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	msg.Signature[0] ^= 0xff
	tampered, _ := json.Marshal(msg)

	if _, _, err := in.Decrypt(base64.RawStdEncoding.EncodeToString(tampered)); err != olm.ErrBadGroupSignature {
		t.Fatalf("err = %v, want ErrBadGroupSignature", err)
	}
}

func TestGroupSession_PickleRoundTrip(t *testing.T) {
	out, _ := olm.NewOutboundGroupSession()
	if _, _, err := out.Encrypt([]byte("advance")); err != nil {
		t.Fatalf("Encrypt: %v", err)
	}

	pickled, err := out.Pickle([]byte("k"))
	if err != nil {
		t.Fatalf("Pickle: %v", err)
	}
	restored, err := olm.OutboundGroupSessionFromPickle(pickled, []byte("k"))
	if err != nil {
		t.Fatalf("OutboundGroupSessionFromPickle: %v", err)
	}
	if restored.ID() != out.ID() || restored.MessageIndex() != 1 {
		t.Fatalf("restored (%q, %d), want (%q, 1)", restored.ID(), restored.MessageIndex(), out.ID())
	}

	key, _ := restored.SessionKey()
	in, err := olm.NewInboundGroupSession(key)
	if err != nil {
		t.Fatalf("NewInboundGroupSession: %v", err)
	}
	ct, _, _ := restored.Encrypt([]byte("after"))
	if pt, _, err := in.Decrypt(ct); err != nil || string(pt) != "after" {
		t.Fatalf("Decrypt = (%q, %v)", pt, err)
	}

	inPickled, err := in.Pickle(nil)
	if err != nil {
		t.Fatalf("inbound Pickle: %v", err)
	}
	inRestored, err := olm.InboundGroupSessionFromPickle(inPickled, nil)
	if err != nil {
		t.Fatalf("InboundGroupSessionFromPickle: %v", err)
	}
	if inRestored.FirstKnownIndex() != in.FirstKnownIndex() {
		t.Fatal("first known index changed across pickle")
	}
}

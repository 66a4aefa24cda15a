package security

import "testing"

func TestSecretboxCodecRoundTrip(t *testing.T) {
	codec, err := NewSecretboxCodec("correct-horse-battery-staple", "test-salt")
	if err != nil {
		t.Fatalf("new codec: %v", err)
	}

	ciphertext, err := codec.Encrypt("super-secret-api-key")
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}
	if ciphertext == "super-secret-api-key" {
		t.Fatal("ciphertext must not equal plaintext")
	}

	plaintext, err := codec.Decrypt(ciphertext)
	if err != nil {
		t.Fatalf("decrypt: %v", err)
	}
	if plaintext != "super-secret-api-key" {
		t.Fatalf("got %q, want %q", plaintext, "super-secret-api-key")
	}
}

func TestSecretboxCodecWrongPassphraseFails(t *testing.T) {
	codec, err := NewSecretboxCodec("passphrase-a", "salt")
	if err != nil {
		t.Fatalf("new codec: %v", err)
	}
	ciphertext, err := codec.Encrypt("value")
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}

	wrongCodec, err := NewSecretboxCodec("passphrase-b", "salt")
	if err != nil {
		t.Fatalf("new codec: %v", err)
	}
	if _, err := wrongCodec.Decrypt(ciphertext); err == nil {
		t.Fatal("expected decryption with wrong passphrase to fail")
	}
}

func TestNewSecretboxCodecRejectsEmptyPassphrase(t *testing.T) {
	if _, err := NewSecretboxCodec("", "salt"); err != ErrEmptyPassphrase {
		t.Fatalf("got %v, want ErrEmptyPassphrase", err)
	}
}

func TestFakeCodecRoundTrip(t *testing.T) {
	var c FakeCodec
	ciphertext, err := c.Encrypt("plain")
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}
	plaintext, err := c.Decrypt(ciphertext)
	if err != nil {
		t.Fatalf("decrypt: %v", err)
	}
	if plaintext != "plain" {
		t.Fatalf("got %q, want %q", plaintext, "plain")
	}
}

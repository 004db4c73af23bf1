package crypto

import (
	"bytes"
	"errors"
	"strings"
	"testing"
)

// testKey returns a valid 32-byte key for use in tests.
func testKey() []byte {
	return bytes.Repeat([]byte("k"), 32)
}

func TestNewKeyCipher(t *testing.T) {
	t.Run("valid 32-byte key", func(t *testing.T) {
		kc, err := NewKeyCipher(testKey())
		if err != nil {
			t.Fatalf("NewKeyCipher() unexpected error: %v", err)
		}
		if kc == nil {
			t.Fatal("NewKeyCipher() returned nil cipher")
		}
	})

	tests := []struct {
		name    string
		keyLen  int
		wantErr error
	}{
		{"too short (16 bytes)", 16, ErrKeyLengthInvalid},
		{"too long (64 bytes)", 64, ErrKeyLengthInvalid},
		{"empty key", 0, ErrKeyLengthInvalid},
		{"31 bytes", 31, ErrKeyLengthInvalid},
		{"33 bytes", 33, ErrKeyLengthInvalid},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewKeyCipher(make([]byte, tt.keyLen))
			if err != tt.wantErr {
				t.Errorf("NewKeyCipher(len=%d) error = %v, want %v", tt.keyLen, err, tt.wantErr)
			}
		})
	}
}

func TestSealOpenRoundTrip(t *testing.T) {
	kc, err := NewKeyCipher(testKey())
	if err != nil {
		t.Fatal(err)
	}

	plaintext := "sk-abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQR01"
	sealed, err := kc.Seal(plaintext)
	if err != nil {
		t.Fatalf("Seal() error: %v", err)
	}
	if sealed == plaintext {
		t.Error("sealed output equals plaintext")
	}

	opened, err := kc.Open(sealed)
	if err != nil {
		t.Fatalf("Open() error: %v", err)
	}
	if opened != plaintext {
		t.Errorf("Open() = %q, want %q", opened, plaintext)
	}
}

func TestOpenRejectsCorruptedInput(t *testing.T) {
	kc, _ := NewKeyCipher(testKey())

	tests := []struct {
		name  string
		input string
	}{
		{"not base64", "!!not-base64!!"},
		{"too short", "YWJj"}, // "abc", shorter than a nonce
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := kc.Open(tt.input); !errors.Is(err, ErrCiphertextCorrupted) {
				t.Errorf("Open(%q) error = %v, want ErrCiphertextCorrupted", tt.input, err)
			}
		})
	}
}

func TestOpenRejectsWrongKey(t *testing.T) {
	kc1, _ := NewKeyCipher(testKey())
	kc2, _ := NewKeyCipher(bytes.Repeat([]byte("x"), 32))

	sealed, err := kc1.Seal("secret")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := kc2.Open(sealed); !errors.Is(err, ErrDecryptionFailed) {
		t.Errorf("Open with wrong key error = %v, want ErrDecryptionFailed", err)
	}
}

func TestPassphraseRoundTrip(t *testing.T) {
	plaintext := "AIzaAbCdEfGhIjKlMnOpQrStUvWxYz0123456/-"
	sealed, err := SealWithPassphrase(plaintext, "correct horse battery", 100000)
	if err != nil {
		t.Fatalf("SealWithPassphrase() error: %v", err)
	}
	if strings.Contains(sealed, plaintext) {
		t.Error("sealed blob contains the plaintext")
	}

	opened, err := OpenWithPassphrase(sealed, "correct horse battery", 100000)
	if err != nil {
		t.Fatalf("OpenWithPassphrase() error: %v", err)
	}
	if opened != plaintext {
		t.Errorf("OpenWithPassphrase() = %q, want %q", opened, plaintext)
	}
}

func TestPassphraseWrongPassword(t *testing.T) {
	sealed, err := SealWithPassphrase("secret-key-material", "password-one", 100000)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := OpenWithPassphrase(sealed, "password-two", 100000); !errors.Is(err, ErrDecryptionFailed) {
		t.Errorf("wrong passphrase error = %v, want ErrDecryptionFailed", err)
	}
}

func TestPassphraseSaltVariesPerSeal(t *testing.T) {
	// The salt is random per seal, so sealing the same plaintext twice with the
	// same passphrase must produce different blobs.
	a, err := SealWithPassphrase("same", "pw", 100000)
	if err != nil {
		t.Fatal(err)
	}
	b, err := SealWithPassphrase("same", "pw", 100000)
	if err != nil {
		t.Fatal(err)
	}
	if a == b {
		t.Error("two seals produced identical blobs")
	}
}

func TestPassphraseLowIterationFloor(t *testing.T) {
	// Iteration counts below the floor are raised to the secure default on both
	// seal and open, so a round-trip still succeeds.
	sealed, err := SealWithPassphrase("value", "pw", 1)
	if err != nil {
		t.Fatal(err)
	}
	opened, err := OpenWithPassphrase(sealed, "pw", 1)
	if err != nil {
		t.Fatalf("OpenWithPassphrase() error: %v", err)
	}
	if opened != "value" {
		t.Errorf("round trip = %q, want %q", opened, "value")
	}
}

func TestGenerateKey(t *testing.T) {
	a, err := GenerateKey()
	if err != nil {
		t.Fatalf("GenerateKey() error: %v", err)
	}
	if len(a) != 32 {
		t.Errorf("key length = %d, want 32", len(a))
	}
	b, _ := GenerateKey()
	if bytes.Equal(a, b) {
		t.Error("two generated keys are identical")
	}
}

package whisper

// Inference tests require a ggml model file and the whisper.cpp static
// library, so only construction validation is covered here.

import "testing"

func TestNew_Validation(t *testing.T) {
	if _, err := New("", "/models/ggml-base.en.bin"); err == nil {
		t.Error("expected error for empty id")
	}
	if _, err := New("local", ""); err == nil {
		t.Error("expected error for empty model path")
	}
}

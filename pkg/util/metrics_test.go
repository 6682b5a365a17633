package util

import (
	"errors"
	"testing"
	"time"
)

func TestTimeOperationErr(t *testing.T) {
	wantErr := errors.New("boom")
	took, err := TimeOperationErr(func() error {
		time.Sleep(2 * time.Millisecond)
		return wantErr
	})
	if err != wantErr {
		t.Fatalf("error not passed through: %v", err)
	}
	if took < 2000 {
		t.Fatalf("expected at least 2000us, got %d", took)
	}
}

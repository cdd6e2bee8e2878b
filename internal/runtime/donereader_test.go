package runtime

import (
	"errors"
	"io"
	"strings"
	"testing"
	"testing/iotest"
)

func TestDoneReaderClosesOnEOF(t *testing.T) {
	dr := newDoneReader(strings.NewReader("payload"))

	select {
	case <-dr.done:
		t.Fatal("done closed before EOF")
	default:
	}

	b, err := io.ReadAll(dr)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if string(b) != "payload" {
		t.Fatalf("read %q, want payload", b)
	}

	select {
	case <-dr.done:
	default:
		t.Fatal("done not closed after EOF")
	}

	// Further reads at EOF must not panic on a second close.
	if _, err := dr.Read(make([]byte, 1)); err != io.EOF {
		t.Fatalf("err = %v, want EOF", err)
	}
}

func TestDoneReaderIgnoresOtherErrors(t *testing.T) {
	dr := newDoneReader(iotest.ErrReader(errors.New("boom")))

	if _, err := dr.Read(make([]byte, 1)); err == nil {
		t.Fatal("expected error")
	}

	select {
	case <-dr.done:
		t.Fatal("done closed on non-EOF error")
	default:
	}
}

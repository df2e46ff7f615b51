package diag

import (
	"bytes"
	"log/slog"
	"strings"
	"testing"

	httperrors "github.com/nczempin/httploop/errors"
)

func TestFatalf_DefaultPanics(t *testing.T) {
	s := Discard()
	defer func() {
		r := recover()
		if r == nil {
			t.Fatal("Expected Fatalf to panic without an override")
		}
		err, ok := r.(*httperrors.HttpError)
		if !ok || err.Type != httperrors.ErrorInternal {
			t.Fatalf("Expected internal HttpError panic, got %#v", r)
		}
	}()
	s.Fatalf("counter %q underflow", "conns")
}

func TestSetFatalHandler_ScopedOverride(t *testing.T) {
	s := Discard()
	child := s.With("component", "test")

	var got []string
	restore := s.SetFatalHandler(func(err *httperrors.HttpError) {
		got = append(got, err.Message)
	})
	child.Fatalf("first")
	s.Fatalf("second")
	restore()

	if len(got) != 2 || got[0] != "first" || got[1] != "second" {
		t.Fatalf("Expected both violations recorded, got %v", got)
	}

	defer func() {
		if recover() == nil {
			t.Error("Expected panic after restore")
		}
	}()
	child.Fatalf("third")
}

func TestWith_AddsAttributes(t *testing.T) {
	var buf bytes.Buffer
	s := New(slog.New(slog.NewTextHandler(&buf, nil)))
	s.With("component", "server").Logger().Info("listening")
	if !strings.Contains(buf.String(), "component=server") {
		t.Errorf("Expected component attribute in %q", buf.String())
	}
}

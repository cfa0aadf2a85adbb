package observability

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestStatusRecorderKeepsFirstStatus(t *testing.T) {
	t.Parallel()

	rec := httptest.NewRecorder()
	writer := NewStatusRecorder(rec)
	if got := writer.StatusCode(); got != http.StatusOK {
		t.Fatalf("StatusCode()=%d before write, want 200", got)
	}
	writer.WriteHeader(http.StatusBadGateway)
	writer.WriteHeader(http.StatusInternalServerError)
	if got := writer.StatusCode(); got != http.StatusBadGateway {
		t.Fatalf("StatusCode()=%d, want first status 502", got)
	}
	writer.Flush()
	if !rec.Flushed {
		t.Fatal("Flush() did not reach the wrapped writer")
	}
	if _, _, err := writer.Hijack(); err == nil {
		t.Fatal("Hijack() on a recorder without hijack support should fail")
	}
}

func TestStatusRecorderReadFromCountsAsOK(t *testing.T) {
	t.Parallel()

	rec := httptest.NewRecorder()
	writer := NewStatusRecorder(rec)
	n, err := writer.ReadFrom(strings.NewReader("data: {}\n\n"))
	if err != nil || n != 10 {
		t.Fatalf("ReadFrom()=%d, %v", n, err)
	}
	if writer.StatusCode() != http.StatusOK || rec.Body.String() != "data: {}\n\n" {
		t.Fatalf("status=%d body=%q", writer.StatusCode(), rec.Body.String())
	}
}

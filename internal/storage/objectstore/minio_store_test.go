package objectstore

import (
	"context"
	"errors"
	"net/http"
	"testing"

	"github.com/minio/minio-go/v7"

	"github.com/animus-labs/animus-grid/internal/storage"
)

func TestMapError(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want error
	}{
		{"no such key", minio.ErrorResponse{Code: "NoSuchKey", StatusCode: http.StatusNotFound}, storage.ErrNotFound},
		{"bare 404", minio.ErrorResponse{StatusCode: http.StatusNotFound}, storage.ErrNotFound},
		{"precondition", minio.ErrorResponse{Code: "PreconditionFailed", StatusCode: http.StatusPreconditionFailed}, storage.ErrAlreadyExists},
		{"conditional conflict", minio.ErrorResponse{Code: "ConditionalRequestConflict", StatusCode: http.StatusConflict}, storage.ErrAlreadyExists},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := mapError("bucket", "key", tc.err); !errors.Is(got, tc.want) {
				t.Fatalf("mapError()=%v, want %v", got, tc.want)
			}
		})
	}

	other := errors.New("connection reset")
	if got := mapError("bucket", "key", other); got != other {
		t.Fatalf("mapError()=%v, want passthrough", got)
	}
	if got := mapError("bucket", "key", nil); got != nil {
		t.Fatalf("mapError(nil)=%v, want nil", got)
	}
}

func TestNilStore(t *testing.T) {
	var s *MinioStore
	if _, err := s.Stat(context.Background(), "b", "k"); err == nil {
		t.Fatalf("Stat() on nil store expected error")
	}
	if _, err := NewMinioStoreWithClient(nil, "us-east-1"); err == nil {
		t.Fatalf("NewMinioStoreWithClient(nil) expected error")
	}
}

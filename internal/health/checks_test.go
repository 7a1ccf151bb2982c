package health

import (
	"context"
	"errors"
	"testing"
)

type fakePinger struct {
	err error
}

func (p *fakePinger) Ping(ctx context.Context) error {
	return p.err
}

func TestPingCheck(t *testing.T) {
	tests := []struct {
		name        string
		err         error
		expectError bool
	}{
		{"reachable", nil, false},
		{"refused", errors.New("connection refused"), true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := PingCheck(&fakePinger{err: tt.err})(context.Background())
			if tt.expectError {
				if err == nil {
					t.Fatal("expected error, got nil")
				}
				if !errors.Is(err, tt.err) {
					t.Errorf("expected cause to be kept, got %v", err)
				}
			} else if err != nil {
				t.Errorf("unexpected error: %v", err)
			}
		})
	}
}

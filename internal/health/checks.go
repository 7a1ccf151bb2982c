package health

import (
	"context"
	"fmt"
)

// Pinger is anything that can check its connection
type Pinger interface {
	Ping(ctx context.Context) error
}

// PingCheck creates a health check from a ping function
func PingCheck(p Pinger) Check {
	return func(ctx context.Context) error {
		if err := p.Ping(ctx); err != nil {
			return fmt.Errorf("ping failed: %w", err)
		}
		return nil
	}
}

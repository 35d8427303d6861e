package transport

import (
	"context"
	"testing"

	"github.com/nugget/lamrelay/internal/config"
)

type named string

func (n named) Name() string { return string(n) }

func (n named) Run(ctx context.Context) error {
	<-ctx.Done()
	return nil
}

func TestSelect(t *testing.T) {
	broker, direct := named("broker"), named("direct")

	tests := []struct {
		mode    string
		broker  Transport
		direct  Transport
		want    string
		wantErr bool
	}{
		{config.TransportBroker, broker, direct, "broker", false},
		{config.TransportDirect, broker, direct, "direct", false},
		{config.TransportDirect, broker, nil, "", true},
		{"carrier-pigeon", broker, direct, "", true},
	}
	for _, tt := range tests {
		got, err := Select(tt.mode, tt.broker, tt.direct)
		if (err != nil) != tt.wantErr {
			t.Errorf("Select(%q) error = %v, wantErr %v", tt.mode, err, tt.wantErr)
			continue
		}
		if err == nil && got.Name() != tt.want {
			t.Errorf("Select(%q) = %s, want %s", tt.mode, got.Name(), tt.want)
		}
	}
}

package network

import (
	"errors"
	"testing"
)

func TestAssignmentForIndex(t *testing.T) {
	tests := []struct {
		name    string
		cfg     Config
		index   int
		segment string
		hostIP  string
		guestIP string
		tap     string
		mac     string
		wantErr error
	}{
		{
			name:    "first segment of default pool",
			index:   0,
			segment: "172.16.0.0/30",
			hostIP:  "172.16.0.1",
			guestIP: "172.16.0.2",
			tap:     "stk-tap00",
			mac:     "AA:FC:00:00:00:00",
		},
		{
			name:    "segment crossing the third octet",
			index:   64,
			segment: "172.16.1.0/30",
			hostIP:  "172.16.1.1",
			guestIP: "172.16.1.2",
			tap:     "stk-tap40",
			mac:     "AA:FC:00:00:00:40",
		},
		{
			name:    "custom pool",
			cfg:     Config{PoolCIDR: "10.99.0.0/24"},
			index:   3,
			segment: "10.99.0.12/30",
			hostIP:  "10.99.0.13",
			guestIP: "10.99.0.14",
			tap:     "stk-tap03",
			mac:     "AA:FC:00:00:00:03",
		},
		{
			name:    "index out of range",
			cfg:     Config{PoolCIDR: "10.99.0.0/28"},
			index:   4,
			wantErr: ErrInvalidPool,
		},
		{
			name:    "negative index",
			index:   -1,
			wantErr: ErrInvalidPool,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			as, err := AssignmentForIndex(tt.cfg, tt.index)
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("err = %v, want %v", err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}

			if got := as.Segment.String(); got != tt.segment {
				t.Errorf("segment = %s, want %s", got, tt.segment)
			}
			if got := as.HostIP.String(); got != tt.hostIP {
				t.Errorf("host ip = %s, want %s", got, tt.hostIP)
			}
			if got := as.GuestIP.String(); got != tt.guestIP {
				t.Errorf("guest ip = %s, want %s", got, tt.guestIP)
			}
			if as.TapDevice != tt.tap {
				t.Errorf("tap = %s, want %s", as.TapDevice, tt.tap)
			}
			if as.MACAddress != tt.mac {
				t.Errorf("mac = %s, want %s", as.MACAddress, tt.mac)
			}
		})
	}
}

func TestSegmentCount(t *testing.T) {
	tests := []struct {
		cidr    string
		want    int
		wantErr bool
	}{
		{cidr: "172.16.0.0/16", want: 16384},
		{cidr: "10.0.0.0/24", want: 64},
		{cidr: "10.0.0.0/30", want: 1},
		{cidr: "10.0.0.0/31", wantErr: true},
		{cidr: "not-a-cidr", wantErr: true},
		{cidr: "fd00::/64", wantErr: true},
	}

	for _, tt := range tests {
		got, err := SegmentCount(tt.cidr)
		if (err != nil) != tt.wantErr {
			t.Errorf("SegmentCount(%q) error = %v, wantErr %v", tt.cidr, err, tt.wantErr)
			continue
		}
		if err == nil && got != tt.want {
			t.Errorf("SegmentCount(%q) = %d, want %d", tt.cidr, got, tt.want)
		}
	}
}

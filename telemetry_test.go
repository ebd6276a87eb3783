package pcfd

import "testing"

func TestResolveOTLPTarget(t *testing.T) {
	cases := []struct {
		name     string
		raw      string
		protocol string
		endpoint string
		path     string
		insecure bool
		wantErr  bool
	}{
		{name: "bare host", raw: "collector", protocol: "grpc", endpoint: "collector:4317", insecure: true},
		{name: "bare host port", raw: "collector:9317", protocol: "grpc", endpoint: "collector:9317", insecure: true},
		{name: "grpc", raw: "grpc://collector", protocol: "grpc", endpoint: "collector:4317", insecure: true},
		{name: "grpcs", raw: "grpcs://collector:4317", protocol: "grpc", endpoint: "collector:4317"},
		{name: "http", raw: "http://collector", protocol: "http", endpoint: "collector:4318", insecure: true},
		{name: "https path", raw: "https://collector/v1/traces", protocol: "http", endpoint: "collector:4318", path: "/v1/traces"},
		{name: "unknown scheme", raw: "udp://collector", wantErr: true},
		{name: "empty", raw: "", wantErr: true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			target, err := resolveOTLPTarget(tc.raw)
			if tc.wantErr {
				if err == nil {
					t.Fatal("expected error")
				}
				return
			}
			if err != nil {
				t.Fatalf("resolve: %v", err)
			}
			if target.protocol != tc.protocol || target.endpoint != tc.endpoint || target.path != tc.path || target.insecure != tc.insecure {
				t.Fatalf("got %+v", target)
			}
		})
	}
}

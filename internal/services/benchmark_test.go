package services

import (
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/beacon-iot/edgegate/internal/models"
	"github.com/beacon-iot/edgegate/internal/privacy"
)

func benchEnforcer(b *testing.B, n int) *PolicyEnforcer {
	b.Helper()
	policies := make([]models.Policy, 0, n)
	for i := 0; i < n; i++ {
		policies = append(policies, models.Policy{
			ID:       fmt.Sprintf("p%03d", i),
			Name:     "bench",
			Priority: i,
			Enabled:  true,
			Rules:    json.RawMessage(`{"device_types":["camera"],"default_action":"deny"}`),
		})
	}
	policies = append(policies, models.Policy{
		ID: "sensors", Name: "sensors", Enabled: true,
		Rules: json.RawMessage(`{"device_types":["sensor"],"default_action":"deny","allow_rules":[{"protocol":"mqtt","expression":"request.hour >= 0"}]}`),
	})
	hasher, err := privacy.NewDeviceHasher("gw-bench")
	if err != nil {
		b.Fatal(err)
	}
	exprs, err := NewExpressionCompiler()
	if err != nil {
		b.Fatal(err)
	}
	e, err := NewPolicyEnforcer(funcSource(func() ([]models.Policy, error) { return policies, nil }), hasher,
		EnforcerOptions{GatewayID: "gw-bench", Expressions: exprs, RefreshInterval: time.Hour})
	if err != nil {
		b.Fatal(err)
	}
	return e
}

func BenchmarkEvaluate(b *testing.B) {
	e := benchEnforcer(b, 100)
	req := models.AccessRequest{DeviceID: "sensor-1", DeviceType: "sensor", Action: "publish", Resource: "t", Protocol: "mqtt", Timestamp: time.Now()}
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		e.Evaluate(req)
	}
}

func BenchmarkDecodePolicyRecord(b *testing.B) {
	raw := []byte(`{"id":"p1","name":"n","priority":4,"rules":{"default_action":"allow"},"expires_at":"2999-01-01T00:00:00"}`)
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if _, err := DecodePolicyRecord(raw); err != nil {
			b.Fatal(err)
		}
	}
}

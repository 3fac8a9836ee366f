package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/beacon-iot/edgegate/internal/config"
	"github.com/beacon-iot/edgegate/internal/discovery"
	"github.com/beacon-iot/edgegate/internal/logger"
	"github.com/beacon-iot/edgegate/internal/models"
	"github.com/beacon-iot/edgegate/internal/privacy"
	"github.com/beacon-iot/edgegate/internal/util"
)

// Chaincode paths on the ledger API, relative to the endpoint base URL.
const (
	pathRegister       = "/chaincode/gateway-management/register"
	pathUnregister     = "/chaincode/gateway-management/unregister"
	pathHeartbeat      = "/chaincode/gateway-management/heartbeat"
	pathPolicySync     = "/chaincode/policy-enforcement/sync"
	pathAccessControl  = "/chaincode/access-control/invoke"
	pathAuditLog       = "/chaincode/audit-logging/log"
	pathDeviceRegister = "/chaincode/device-registry/register"

	assertionTTL      = 5 * time.Minute
	assertionAudience = "beacon-ledger"
)

// ErrLedgerRejected is returned when the ledger answered but reported failure.
var ErrLedgerRejected = errors.New("ledger rejected request")

// BackendCaller is the slice of the backend gateway the ledger client needs.
type BackendCaller interface {
	CallJSON(ctx context.Context, method, path string, payload, out any) error
}

// PolicyDelta is the ledger's answer to an incremental sync request.
type PolicyDelta struct {
	Policies        []json.RawMessage `json:"policies"`
	RemovedPolicies []string          `json:"removed_policies"`
}

// LedgerStats are the ledger client counters.
type LedgerStats struct {
	Registered              bool       `json:"registered"`
	GatewayID               string     `json:"gateway_id"`
	RegistrationAttempts    uint64     `json:"registration_attempts"`
	SuccessfulRegistrations uint64     `json:"successful_registrations"`
	ChaincodeCalls          uint64     `json:"chaincode_calls"`
	ChaincodeErrors         uint64     `json:"chaincode_errors"`
	LastContact             *time.Time `json:"last_blockchain_contact"`
}

type ledgerResponse struct {
	Success         bool              `json:"success"`
	Error           string            `json:"error,omitempty"`
	Token           string            `json:"token,omitempty"`
	Result          json.RawMessage   `json:"result,omitempty"`
	Policies        []json.RawMessage `json:"policies,omitempty"`
	RemovedPolicies []string          `json:"removed_policies,omitempty"`
}

// NewGatewayAuthorizer signs a short-lived HS256 assertion for each backend call.
// It returns nil when no secret is configured, which disables the header.
func NewGatewayAuthorizer(gatewayID, secret string) discovery.AuthorizeFunc {
	if secret == "" {
		return nil
	}
	key := []byte(secret)
	return func() (string, error) {
		now := time.Now()
		claims := jwt.RegisteredClaims{
			Issuer:    gatewayID,
			Subject:   gatewayID,
			Audience:  jwt.ClaimStrings{assertionAudience},
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(assertionTTL)),
			ID:        uuid.NewString(),
		}
		signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(key)
		if err != nil {
			return "", fmt.Errorf("sign gateway assertion: %w", err)
		}
		return "Bearer " + signed, nil
	}
}

// LedgerService speaks the ledger's chaincode API through the backend gateway.
// Every request body carries the gateway id and, once registered, the registration token.
type LedgerService struct {
	backend BackendCaller
	gateway config.GatewayConfig
	hasher  *privacy.DeviceHasher
	log     *logrus.Entry

	mu         sync.Mutex
	token      string
	registered bool
	stats      LedgerStats
}

// NewLedgerService returns an unregistered client.
func NewLedgerService(backend BackendCaller, gateway config.GatewayConfig, hasher *privacy.DeviceHasher) *LedgerService {
	return &LedgerService{
		backend: backend,
		gateway: gateway,
		hasher:  hasher,
		log:     logger.Component("ledger").WithField("gateway_id", gateway.ID),
	}
}

func (s *LedgerService) call(ctx context.Context, path string, body map[string]any) (*ledgerResponse, error) {
	s.mu.Lock()
	token := s.token
	s.stats.ChaincodeCalls++
	s.mu.Unlock()

	body["gateway_id"] = s.gateway.ID
	if _, ok := body["token"]; !ok {
		body["token"] = token
	}
	if _, ok := body["timestamp"]; !ok {
		body["timestamp"] = time.Now().UTC().Format(time.RFC3339Nano)
	}

	var resp ledgerResponse
	if err := s.backend.CallJSON(ctx, http.MethodPost, path, body, &resp); err != nil {
		s.countError()
		return nil, err
	}
	if !resp.Success {
		s.countError()
		msg := resp.Error
		if msg == "" {
			msg = "unknown error"
		}
		return nil, fmt.Errorf("%w: %s: %s", ErrLedgerRejected, path, util.TruncateForLog(msg))
	}

	now := time.Now().UTC()
	s.mu.Lock()
	s.stats.LastContact = &now
	s.mu.Unlock()
	return &resp, nil
}

func (s *LedgerService) countError() {
	s.mu.Lock()
	s.stats.ChaincodeErrors++
	s.mu.Unlock()
}

// RegisterGateway announces this gateway and stores the token the ledger hands back.
func (s *LedgerService) RegisterGateway(ctx context.Context) error {
	s.mu.Lock()
	s.stats.RegistrationAttempts++
	s.mu.Unlock()

	resp, err := s.call(ctx, pathRegister, map[string]any{
		"name":         s.gateway.Name,
		"location":     s.gateway.Location,
		"capabilities": s.gateway.Capabilities,
		"token":        nil,
	})
	if err != nil {
		s.log.WithError(err).Error("Gateway registration failed")
		return err
	}

	s.mu.Lock()
	s.registered = true
	s.token = resp.Token
	s.stats.SuccessfulRegistrations++
	s.mu.Unlock()
	s.log.Info("Gateway registered with ledger")
	return nil
}

// UnregisterGateway is a no-op when the gateway never registered.
func (s *LedgerService) UnregisterGateway(ctx context.Context) error {
	if !s.Registered() {
		return nil
	}
	if _, err := s.call(ctx, pathUnregister, map[string]any{}); err != nil {
		s.log.WithError(err).Warn("Gateway unregistration failed")
		return err
	}
	s.mu.Lock()
	s.registered = false
	s.token = ""
	s.mu.Unlock()
	s.log.Info("Gateway unregistered from ledger")
	return nil
}

// Registered reports whether RegisterGateway has succeeded.
func (s *LedgerService) Registered() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.registered
}

// Heartbeat reports the gateway as online.
func (s *LedgerService) Heartbeat(ctx context.Context) error {
	_, err := s.call(ctx, pathHeartbeat, map[string]any{"status": "online"})
	if err != nil {
		s.log.WithError(err).Debug("Heartbeat failed")
	}
	return err
}

// FetchPolicyDelta asks for the policies changed since the given time; nil since requests everything.
func (s *LedgerService) FetchPolicyDelta(ctx context.Context, since *time.Time, includeDisabled bool) (*PolicyDelta, error) {
	var sinceValue any
	if since != nil {
		sinceValue = since.UTC().Format(time.RFC3339Nano)
	}
	resp, err := s.call(ctx, pathPolicySync, map[string]any{
		"since":            sinceValue,
		"include_disabled": includeDisabled,
	})
	if err != nil {
		return nil, err
	}
	return &PolicyDelta{Policies: resp.Policies, RemovedPolicies: resp.RemovedPolicies}, nil
}

// InvokeAccessControl runs an access-control chaincode operation and returns its raw result.
func (s *LedgerService) InvokeAccessControl(ctx context.Context, operation string, data map[string]any) (json.RawMessage, error) {
	resp, err := s.call(ctx, pathAccessControl, map[string]any{
		"operation": operation,
		"data":      data,
	})
	if err != nil {
		s.log.WithError(err).WithField("operation", util.SanitizeForLog(operation)).Warn("Access control chaincode call failed")
		return nil, err
	}
	return resp.Result, nil
}

// LogAudit ships one decision record to the audit-logging chaincode. It implements AuditSink.
func (s *LedgerService) LogAudit(ctx context.Context, rec models.DecisionRecord) error {
	_, err := s.call(ctx, pathAuditLog, map[string]any{"audit_data": rec})
	return err
}

// RegisterDevice registers a device under its privacy hash and returns that hash.
// The raw id never leaves the gateway.
func (s *LedgerService) RegisterDevice(ctx context.Context, deviceID, deviceType string, capabilities []string) (string, error) {
	if deviceID == "" {
		return "", errors.New("device id is required")
	}
	if deviceType == "" {
		deviceType = "unknown"
	}
	if capabilities == nil {
		capabilities = []string{}
	}
	hashed := s.hasher.Hash(deviceID)
	_, err := s.call(ctx, pathDeviceRegister, map[string]any{
		"hashed_device_id": hashed,
		"device_type":      deviceType,
		"capabilities":     capabilities,
		"metadata": map[string]any{
			"registered_at": time.Now().UTC().Format(time.RFC3339),
			"gateway_id":    s.gateway.ID,
		},
	})
	if err != nil {
		return "", err
	}
	s.log.WithField("device_hash", util.ShortHash(hashed)).Info("Device registered")
	return hashed, nil
}

// CallChaincode invokes an arbitrary chaincode function and returns its raw result.
func (s *LedgerService) CallChaincode(ctx context.Context, chaincode, function string, payload map[string]any) (json.RawMessage, error) {
	if chaincode == "" || function == "" {
		return nil, errors.New("chaincode and function are required")
	}
	body := make(map[string]any, len(payload)+3)
	for k, v := range payload {
		body[k] = v
	}
	resp, err := s.call(ctx, "/chaincode/"+chaincode+"/"+function, body)
	if err != nil {
		return nil, err
	}
	return resp.Result, nil
}

// Stats returns a copy of the counters.
func (s *LedgerService) Stats() LedgerStats {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.stats
	st.Registered = s.registered
	st.GatewayID = s.gateway.ID
	return st
}

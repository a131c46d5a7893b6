package service

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/gridsense/gridsense2mqtt/internal/core/domain"
	"github.com/gridsense/gridsense2mqtt/internal/core/port"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	FLOW_RESULT_FORM         = "form"
	FLOW_RESULT_CREATE_ENTRY = "create_entry"
	FLOW_RESULT_ABORT        = "abort"

	FLOW_SOURCE_USER     = "user"
	FLOW_SOURCE_ZEROCONF = "zeroconf"
	FLOW_SOURCE_REAUTH   = "reauth"

	STEP_USER    = "user"
	STEP_CONFIRM = "confirm"

	ABORT_ALREADY_CONFIGURED  = "already_configured"
	ABORT_ALREADY_IN_PROGRESS = "already_in_progress"
	ABORT_NO_UUID             = "no_uuid"
	ABORT_REAUTH_SUCCESSFUL   = "reauth_successful"

	ERROR_BASE           = "base"
	ERROR_CANNOT_CONNECT = "cannot_connect"

	ENTRY_TITLE_PREFIX = "GridSense Gateway"

	// flows left waiting on a form longer than this are dropped
	FLOW_TTL = time.Hour
)

var ErrFlowNotFound = errors.New("config flow not found")

var gatewayIdRegexp = regexp.MustCompile(`^gridsense-([a-zA-Z0-9]+)-homeassistant`)

type UserInput struct {
	Host string `json:"host"`
}

// FlowResult is what a flow step returns: a form to fill, a created entry or
// an abort reason.
type FlowResult struct {
	FlowId                  string              `json:"flow_id"`
	Source                  string              `json:"source,omitempty"`
	Type                    string              `json:"type"`
	StepId                  string              `json:"step_id,omitempty"`
	Errors                  map[string]string   `json:"errors,omitempty"`
	DescriptionPlaceholders map[string]string   `json:"description_placeholders,omitempty"`
	DefaultHost             string              `json:"default_host,omitempty"`
	Title                   string              `json:"title,omitempty"`
	Entry                   *domain.ConfigEntry `json:"entry,omitempty"`
	Reason                  string              `json:"reason,omitempty"`
}

type flow struct {
	id        string
	source    string
	step      string
	createdAt time.Time
	touchedAt time.Time

	discoveredHost string
	discoveredName string
	gatewayId      string
	gatewayUUID    string
	uniqueId       string
	placeholders   map[string]string
	reauthEntryId  string
}

// FlowManager runs config flows. A flow lives until it creates an entry,
// aborts or sits idle for FLOW_TTL.
type FlowManager struct {
	mu        sync.Mutex
	flows     map[string]*flow
	entries   *ConfigEntries
	validator port.GatewayClient
	logger    *zap.Logger
	now       func() time.Time
}

func NewFlowManager(entries *ConfigEntries, validator port.GatewayClient, logger *zap.Logger) *FlowManager {
	return &FlowManager{
		flows:     make(map[string]*flow),
		entries:   entries,
		validator: validator,
		logger:    logger.With(zap.String("service", "config_flow")),
		now:       time.Now,
	}
}

// StartUser starts a user flow. A nil input shows the user form.
func (m *FlowManager) StartUser(ctx context.Context, input *UserInput) (FlowResult, error) {
	f := m.newFlow(FLOW_SOURCE_USER)
	result, err := m.stepUser(ctx, f, input)
	return m.finish(f, result, err)
}

// StartZeroconf starts a flow from an mDNS announcement.
func (m *FlowManager) StartZeroconf(ctx context.Context, info domain.DiscoveryInfo) (FlowResult, error) {
	f := m.newFlow(FLOW_SOURCE_ZEROCONF)
	result, err := m.stepZeroconf(ctx, f, info)
	return m.finish(f, result, err)
}

// StartReauth starts a flow asking for a new host for an existing entry.
func (m *FlowManager) StartReauth(ctx context.Context, entryId string) (FlowResult, error) {
	entry, err := m.entries.Get(ctx, entryId)
	if err != nil {
		return FlowResult{}, err
	}
	f := m.newFlow(FLOW_SOURCE_REAUTH)
	f.reauthEntryId = entry.Id
	f.discoveredHost = entry.Host
	return m.finish(f, m.showUserForm(f, nil), nil)
}

// Configure submits input to the step a flow is waiting on.
func (m *FlowManager) Configure(ctx context.Context, flowId string, input *UserInput) (FlowResult, error) {
	m.mu.Lock()
	m.expireLocked()
	f, ok := m.flows[flowId]
	m.mu.Unlock()
	if !ok {
		return FlowResult{}, ErrFlowNotFound
	}

	var result FlowResult
	var err error
	switch {
	case f.source == FLOW_SOURCE_REAUTH:
		result, err = m.stepReauthSubmit(ctx, f, input)
	case f.step == STEP_CONFIRM:
		result, err = m.stepConfirm(ctx, f, input)
	default:
		result, err = m.stepUser(ctx, f, input)
	}
	return m.finish(f, result, err)
}

// Abort drops a flow in progress.
func (m *FlowManager) Abort(flowId string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.expireLocked()
	if _, ok := m.flows[flowId]; !ok {
		return ErrFlowNotFound
	}
	delete(m.flows, flowId)
	return nil
}

// InProgress lists the flows waiting on input, oldest first.
func (m *FlowManager) InProgress() []FlowResult {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.expireLocked()

	flows := make([]*flow, 0, len(m.flows))
	for _, f := range m.flows {
		flows = append(flows, f)
	}
	sort.Slice(flows, func(i, j int) bool {
		if flows[i].createdAt.Equal(flows[j].createdAt) {
			return flows[i].id < flows[j].id
		}
		return flows[i].createdAt.Before(flows[j].createdAt)
	})

	results := make([]FlowResult, 0, len(flows))
	for _, f := range flows {
		results = append(results, FlowResult{
			FlowId:                  f.id,
			Source:                  f.source,
			Type:                    FLOW_RESULT_FORM,
			StepId:                  f.step,
			DescriptionPlaceholders: f.placeholders,
			DefaultHost:             f.discoveredHost,
		})
	}
	return results
}

func (m *FlowManager) newFlow(source string) *flow {
	now := m.now()
	return &flow{
		id:        uuid.New().String(),
		source:    source,
		createdAt: now,
		touchedAt: now,
	}
}

// expireLocked drops flows nobody has answered within FLOW_TTL. Callers hold mu.
func (m *FlowManager) expireLocked() {
	now := m.now()
	for id, f := range m.flows {
		if now.Sub(f.touchedAt) > FLOW_TTL {
			m.logger.Debug("config_flow: flow expired", zap.String("flow_id", id), zap.String("source", f.source))
			delete(m.flows, id)
		}
	}
}

// finish registers the flow while it waits on a form and forgets it otherwise.
func (m *FlowManager) finish(f *flow, result FlowResult, err error) (FlowResult, error) {
	result.FlowId = f.id
	result.Source = f.source

	m.mu.Lock()
	defer m.mu.Unlock()
	if err != nil || result.Type != FLOW_RESULT_FORM {
		delete(m.flows, f.id)
	} else {
		f.step = result.StepId
		f.touchedAt = m.now()
		m.flows[f.id] = f
	}
	if err != nil {
		return FlowResult{}, err
	}
	if result.Type == FLOW_RESULT_CREATE_ENTRY && f.uniqueId != "" {
		// other discoveries of the same gateway are now pointless
		for id, other := range m.flows {
			if id != f.id && other.uniqueId == f.uniqueId {
				delete(m.flows, id)
			}
		}
	}
	return result, nil
}

func (m *FlowManager) stepUser(ctx context.Context, f *flow, input *UserInput) (FlowResult, error) {
	if input == nil {
		return m.showUserForm(f, nil), nil
	}

	host := strings.TrimSpace(input.Host)
	existing, err := m.entries.ByHost(ctx, host)
	if err != nil {
		return FlowResult{}, err
	}
	if existing != nil {
		return abort(ABORT_ALREADY_CONFIGURED), nil
	}

	if errCode := m.validateHost(ctx, host); errCode != "" {
		return m.showUserForm(f, map[string]string{ERROR_BASE: errCode}), nil
	}

	if f.uniqueId != "" {
		existing, err := m.entries.ByUniqueId(ctx, f.uniqueId)
		if err != nil {
			return FlowResult{}, err
		}
		if existing != nil {
			if err := m.entries.UpdateHost(ctx, *existing, host); err != nil {
				return FlowResult{}, err
			}
			return abort(ABORT_ALREADY_CONFIGURED), nil
		}
	}

	entry := domain.ConfigEntry{
		Id:        uuid.New().String(),
		UniqueId:  f.uniqueId,
		Title:     fmt.Sprintf("%s %s", ENTRY_TITLE_PREFIX, f.gatewayIdentifier(host)),
		Host:      host,
		CreatedAt: m.now().UTC(),
	}
	if err := m.entries.Create(ctx, entry); err != nil {
		if errors.Is(err, ErrAlreadyConfigured) {
			return abort(ABORT_ALREADY_CONFIGURED), nil
		}
		return FlowResult{}, err
	}
	return FlowResult{
		Type:  FLOW_RESULT_CREATE_ENTRY,
		Title: entry.Title,
		Entry: &entry,
	}, nil
}

func (m *FlowManager) stepZeroconf(ctx context.Context, f *flow, info domain.DiscoveryInfo) (FlowResult, error) {
	host := info.Host
	mdnsName := NormalizeMdnsName(info.Hostname)
	if mdnsName == "" {
		mdnsName = NormalizeMdnsName(info.Name)
	}
	f.gatewayId = ExtractGatewayId(mdnsName)
	f.gatewayUUID = ExtractUUID(info.Properties)
	f.uniqueId = f.gatewayUUID
	f.discoveredHost = host
	f.discoveredName = mdnsName

	if f.uniqueId == "" {
		m.logger.Debug("config_flow: no UUID found in mDNS TXT records", zap.String("host", host))
		return abort(ABORT_NO_UUID), nil
	}

	if m.uniqueIdInProgress(f) {
		return abort(ABORT_ALREADY_IN_PROGRESS), nil
	}

	existing, err := m.entries.ByUniqueId(ctx, f.uniqueId)
	if err != nil {
		return FlowResult{}, err
	}
	if existing != nil {
		if err := m.entries.UpdateHost(ctx, *existing, host); err != nil {
			return FlowResult{}, err
		}
		return abort(ABORT_ALREADY_CONFIGURED), nil
	}

	existing, err = m.entries.ByHost(ctx, host)
	if err != nil {
		return FlowResult{}, err
	}
	if existing != nil && existing.UniqueId != f.uniqueId {
		if err := m.entries.SetUniqueId(ctx, *existing, f.uniqueId); err != nil {
			return FlowResult{}, err
		}
		return abort(ABORT_ALREADY_CONFIGURED), nil
	}

	f.placeholders = map[string]string{
		"host": host,
		"name": f.gatewayIdentifier(host),
	}
	return m.stepConfirm(ctx, f, nil)
}

func (m *FlowManager) stepConfirm(ctx context.Context, f *flow, input *UserInput) (FlowResult, error) {
	if input != nil {
		return m.stepUser(ctx, f, &UserInput{Host: f.discoveredHost})
	}
	return FlowResult{
		Type:                    FLOW_RESULT_FORM,
		StepId:                  STEP_CONFIRM,
		DescriptionPlaceholders: f.placeholders,
	}, nil
}

func (m *FlowManager) stepReauthSubmit(ctx context.Context, f *flow, input *UserInput) (FlowResult, error) {
	if input == nil {
		return m.showUserForm(f, nil), nil
	}
	entry, err := m.entries.Get(ctx, f.reauthEntryId)
	if err != nil {
		return FlowResult{}, err
	}

	host := strings.TrimSpace(input.Host)
	other, err := m.entries.ByHost(ctx, host)
	if err != nil {
		return FlowResult{}, err
	}
	if other != nil && other.Id != entry.Id {
		return abort(ABORT_ALREADY_CONFIGURED), nil
	}

	if errCode := m.validateHost(ctx, host); errCode != "" {
		return m.showUserForm(f, map[string]string{ERROR_BASE: errCode}), nil
	}
	if err := m.entries.updateHost(ctx, *entry, host, true); err != nil {
		return FlowResult{}, err
	}
	return abort(ABORT_REAUTH_SUCCESSFUL), nil
}

func (m *FlowManager) showUserForm(f *flow, errs map[string]string) FlowResult {
	return FlowResult{
		Type:        FLOW_RESULT_FORM,
		StepId:      STEP_USER,
		Errors:      errs,
		DefaultHost: f.discoveredHost,
	}
}

// validateHost returns an error code for the form, or "" when the gateway answered.
func (m *FlowManager) validateHost(ctx context.Context, host string) string {
	if host == "" {
		return ERROR_CANNOT_CONNECT
	}
	if _, err := m.validator.FetchDevices(ctx, host); err != nil {
		m.logger.Debug("config_flow: validation failed", zap.String("host", host), zap.Error(err))
		return ERROR_CANNOT_CONNECT
	}
	return ""
}

func (m *FlowManager) uniqueIdInProgress(f *flow) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.expireLocked()
	for id, other := range m.flows {
		if id != f.id && other.uniqueId == f.uniqueId {
			return true
		}
	}
	return false
}

// gatewayIdentifier is the short name used in entry titles.
func (f *flow) gatewayIdentifier(host string) string {
	if f.gatewayId != "" {
		return f.gatewayId
	}
	if f.gatewayUUID != "" {
		if len(f.gatewayUUID) > 8 {
			return f.gatewayUUID[:8]
		}
		return f.gatewayUUID
	}
	if f.discoveredName != "" {
		if extracted := ExtractGatewayId(f.discoveredName); extracted != "" {
			f.gatewayId = extracted
			return extracted
		}
	}
	return host
}

func abort(reason string) FlowResult {
	return FlowResult{
		Type:   FLOW_RESULT_ABORT,
		Reason: reason,
	}
}

// NormalizeMdnsName removes the trailing dots of an mDNS name.
func NormalizeMdnsName(name string) string {
	return strings.TrimRight(name, ".")
}

// ExtractGatewayId returns the short id of names like
// gridsense-<id>-homeassistant.local.
func ExtractGatewayId(mdnsName string) string {
	normalized := NormalizeMdnsName(mdnsName)
	if normalized == "" {
		return ""
	}
	match := gatewayIdRegexp.FindStringSubmatch(strings.ToLower(normalized))
	if match == nil {
		return ""
	}
	return match[1]
}

// ExtractUUID reads the gateway uuid from mDNS TXT properties.
func ExtractUUID(properties map[string]string) string {
	value, ok := properties["uuid"]
	if !ok {
		return ""
	}
	return strings.TrimSpace(strings.ReplaceAll(value, "\x00", ""))
}

package zeroconf

import (
	"context"
	"net"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/gridsense/gridsense2mqtt/internal/config"
	"github.com/gridsense/gridsense2mqtt/internal/core/domain"
	"github.com/gridsense/gridsense2mqtt/internal/core/service"

	"github.com/grandcat/zeroconf"
	"github.com/reugn/go-quartz/job"
	"github.com/reugn/go-quartz/quartz"
	"go.uber.org/zap"
)

const (
	scanJobName        = "gridsense-mdns-scan"
	initialScanJobName = "gridsense-mdns-initial-scan"
	initialScanDelay   = 5 * time.Second
)

// Browser is implemented by *zeroconf.Resolver.
type Browser interface {
	Browse(ctx context.Context, service, domain string, entries chan<- *zeroconf.ServiceEntry) error
}

// BrowserFactory creates the browser for one scan. A resolver closes its
// sockets when its browse ends, so it cannot be reused.
type BrowserFactory func() (Browser, error)

// FlowStarter is the part of the flow manager the scanner drives.
type FlowStarter interface {
	StartZeroconf(ctx context.Context, info domain.DiscoveryInfo) (service.FlowResult, error)
	Configure(ctx context.Context, flowId string, input *service.UserInput) (service.FlowResult, error)
}

// Scanner browses for gateways on a schedule and feeds each announcement into
// a zeroconf config flow.
type Scanner struct {
	config     config.DiscoveryConfig
	newBrowser BrowserFactory
	flows      FlowStarter
	scheduler  quartz.Scheduler
	mu         sync.Mutex
	logger     *zap.Logger
}

func NewScanner(cfg config.DiscoveryConfig, newBrowser BrowserFactory, flows FlowStarter, logger *zap.Logger) *Scanner {
	return &Scanner{
		config:     cfg,
		newBrowser: newBrowser,
		flows:      flows,
		logger:     logger.With(zap.String("component", "zeroconf")),
	}
}

// NewResolverBrowser returns a browser on all multicast interfaces.
func NewResolverBrowser() (Browser, error) {
	return zeroconf.NewResolver(nil)
}

func (s *Scanner) interval() time.Duration {
	return time.Duration(s.config.IntervalSeconds) * time.Second
}

func (s *Scanner) browseTimeout() time.Duration {
	return time.Duration(s.config.BrowseTimeoutSeconds) * time.Second
}

// Start schedules one scan shortly after startup and then one per interval.
func (s *Scanner) Start(ctx context.Context) error {
	sched := quartz.NewStdScheduler()
	scan := func(ctx context.Context) (int, error) {
		return s.Scan(ctx)
	}
	sched.Start(ctx)

	initial := quartz.NewJobDetail(job.NewFunctionJob(scan), quartz.NewJobKey(initialScanJobName))
	if err := sched.ScheduleJob(initial, quartz.NewRunOnceTrigger(initialScanDelay)); err != nil {
		sched.Stop()
		return err
	}
	periodic := quartz.NewJobDetail(job.NewFunctionJob(scan), quartz.NewJobKey(scanJobName))
	if err := sched.ScheduleJob(periodic, quartz.NewSimpleTrigger(s.interval())); err != nil {
		sched.Stop()
		return err
	}
	s.scheduler = sched
	s.logger.Info("zeroconf: scanner started",
		zap.String("service", s.config.Service),
		zap.Duration("interval", s.interval()))
	return nil
}

func (s *Scanner) Stop(ctx context.Context) {
	if s.scheduler == nil {
		return
	}
	s.scheduler.Stop()
	s.scheduler.Wait(ctx)
	s.scheduler = nil
}

// Scan runs one browse and returns the number of services handed to the
// flow manager. Overlapping scans are serialized.
func (s *Scanner) Scan(ctx context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	found, err := s.browse(ctx)
	if err != nil {
		s.logger.Warn("zeroconf: browse failed", zap.Error(err))
		return 0, err
	}
	handled := 0
	for _, info := range found {
		if s.handle(ctx, info) {
			handled++
		}
	}
	s.logger.Debug("zeroconf: scan done", zap.Int("found", len(found)), zap.Int("handled", handled))
	return handled, nil
}

func (s *Scanner) browse(ctx context.Context) ([]domain.DiscoveryInfo, error) {
	browser, err := s.newBrowser()
	if err != nil {
		return nil, err
	}

	bctx, cancel := context.WithTimeout(ctx, s.browseTimeout())
	defer cancel()

	entries := make(chan *zeroconf.ServiceEntry)
	collected := make(chan map[string]domain.DiscoveryInfo, 1)
	go func() {
		byInstance := map[string]domain.DiscoveryInfo{}
		defer func() { collected <- byInstance }()
		for {
			select {
			case entry, ok := <-entries:
				if !ok {
					return
				}
				if info, ok := ToDiscoveryInfo(entry); ok {
					byInstance[entry.ServiceInstanceName()] = info
				}
			case <-bctx.Done():
				return
			}
		}
	}()

	if err := browser.Browse(bctx, s.config.Service, s.config.Domain, entries); err != nil {
		cancel()
		<-collected
		return nil, err
	}
	byInstance := <-collected

	keys := make([]string, 0, len(byInstance))
	for k := range byInstance {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	result := make([]domain.DiscoveryInfo, 0, len(keys))
	for _, k := range keys {
		result = append(result, byInstance[k])
	}
	return result, nil
}

func (s *Scanner) handle(ctx context.Context, info domain.DiscoveryInfo) bool {
	log := s.logger.With(zap.String("host", info.Host), zap.String("name", info.Name))
	result, err := s.flows.StartZeroconf(ctx, info)
	if err != nil {
		log.Error("zeroconf: flow failed", zap.Error(err))
		return false
	}
	switch result.Type {
	case service.FLOW_RESULT_ABORT:
		log.Debug("zeroconf: flow aborted", zap.String("reason", result.Reason))
		return true
	case service.FLOW_RESULT_FORM:
		if !s.config.AutoConfirm || result.StepId != service.STEP_CONFIRM {
			log.Info("zeroconf: gateway discovered, waiting for confirmation", zap.String("flow_id", result.FlowId))
			return true
		}
		confirmed, err := s.flows.Configure(ctx, result.FlowId, &service.UserInput{})
		if err != nil {
			log.Error("zeroconf: auto confirm failed", zap.Error(err))
			return false
		}
		log.Info("zeroconf: auto confirmed", zap.String("result", confirmed.Type), zap.String("title", confirmed.Title))
	}
	return true
}

// ToDiscoveryInfo converts a resolved service entry. Entries without any
// address are skipped.
func ToDiscoveryInfo(entry *zeroconf.ServiceEntry) (domain.DiscoveryInfo, bool) {
	var addr net.IP
	if len(entry.AddrIPv4) > 0 {
		addr = entry.AddrIPv4[0]
	} else if len(entry.AddrIPv6) > 0 {
		addr = entry.AddrIPv6[0]
	}
	if addr == nil {
		return domain.DiscoveryInfo{}, false
	}
	props := make(map[string]string, len(entry.Text))
	for _, txt := range entry.Text {
		k, v, _ := strings.Cut(txt, "=")
		if k == "" {
			continue
		}
		props[strings.ToLower(k)] = v
	}
	return domain.DiscoveryInfo{
		Host:       addr.String(),
		Port:       entry.Port,
		Hostname:   entry.HostName,
		Name:       entry.ServiceInstanceName(),
		Properties: props,
	}, true
}

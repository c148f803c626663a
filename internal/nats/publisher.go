package nats

import (
	"sync"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/utrading/utrading-roster-optimizer/internal/monitor"
	"github.com/utrading/utrading-roster-optimizer/pkg/logger"
)

// EventPublisher 事件发布接口，NATS 关闭时使用 Noop
type EventPublisher interface {
	PublishRotation(ev *RotationEvent) error
	PublishMarketSelection(ev *MarketSelectionEvent) error
	IsConnected() bool
}

// Publisher NATS 发布器
type Publisher struct {
	*nats.Conn
	mu     sync.RWMutex
	closed bool
}

// NewPublisher 创建 NATS 发布器
func NewPublisher(url string) (*Publisher, error) {
	conn, err := nats.Connect(url,
		nats.Name("roster-optimizer"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			monitor.SetNATSConnected(false)
			logger.Warn().Err(err).Msg("nats disconnected")
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			monitor.SetNATSConnected(true)
			logger.Info().Str("url", c.ConnectedUrl()).Msg("nats reconnected")
		}),
	)
	if err != nil {
		return nil, err
	}

	monitor.SetNATSConnected(true)
	return &Publisher{Conn: conn}, nil
}

// PublishRotation 发布名册变更
func (p *Publisher) PublishRotation(ev *RotationEvent) error {
	data, err := ev.Marshal()
	if err != nil {
		logger.Error().Err(err).Msg("marshal rotation event failed")
		return err
	}
	return p.publish(TopicRotation, data)
}

// PublishMarketSelection 发布市场集合变更
func (p *Publisher) PublishMarketSelection(ev *MarketSelectionEvent) error {
	data, err := ev.Marshal()
	if err != nil {
		logger.Error().Err(err).Msg("marshal market selection event failed")
		return err
	}
	return p.publish(TopicMarketSelection, data)
}

func (p *Publisher) publish(topic string, data []byte) error {
	if err := p.Publish(topic, data); err != nil {
		monitor.IncPublishErrors(topic)
		return err
	}
	monitor.IncEventsPublished(topic)
	return nil
}

// IsConnected 检查发布器是否已连接
func (p *Publisher) IsConnected() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return !p.closed && p.Conn != nil && p.Conn.IsConnected()
}

// Close 关闭连接
func (p *Publisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true

	monitor.SetNATSConnected(false)

	if p.Conn != nil {
		p.Conn.Close()
	}
	return nil
}

// Noop 不发布任何事件
type Noop struct{}

func (Noop) PublishRotation(*RotationEvent) error               { return nil }
func (Noop) PublishMarketSelection(*MarketSelectionEvent) error { return nil }
func (Noop) IsConnected() bool                                  { return true }

// Recorder 记录发布的事件，用于测试
type Recorder struct {
	mu         sync.Mutex
	Rotations  []*RotationEvent
	Selections []*MarketSelectionEvent
}

func (r *Recorder) PublishRotation(ev *RotationEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Rotations = append(r.Rotations, ev)
	return nil
}

func (r *Recorder) PublishMarketSelection(ev *MarketSelectionEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Selections = append(r.Selections, ev)
	return nil
}

func (r *Recorder) IsConnected() bool { return true }

// RotationCount 已记录的名册事件数
func (r *Recorder) RotationCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.Rotations)
}

// Package channel carries frames from readers to the archive writer.
package channel

import (
	"context"
	"sync"

	"subflow/internal/metrics"
	"subflow/logger"
	"subflow/models"
)

const rawChannel = "raw_frames"

type ChannelStats struct {
	RawSent    int64
	RawDropped int64
}

type Channels struct {
	Raw chan models.RawFrame

	stats      ChannelStats
	statsMutex sync.RWMutex
	closeOnce  sync.Once
	log        *logger.Log
}

func NewChannels(rawBufferSize int) *Channels {
	log := logger.GetLogger()
	c := &Channels{
		Raw: make(chan models.RawFrame, rawBufferSize),
		log: log,
	}

	log.WithComponent("channels").WithFields(logger.Fields{
		"raw_buffer_size": rawBufferSize,
	}).Info("frame channels initialized")

	return c
}

func (c *Channels) Close() {
	c.closeOnce.Do(func() {
		close(c.Raw)
		c.log.WithComponent("channels").Info("frame channels closed")
	})
}

func (c *Channels) IncrementRawSent() {
	c.statsMutex.Lock()
	c.stats.RawSent++
	c.statsMutex.Unlock()
}

func (c *Channels) IncrementRawDropped() {
	c.statsMutex.Lock()
	c.stats.RawDropped++
	c.statsMutex.Unlock()
	metrics.IncChannelDropped(rawChannel)
}

// SendRaw never blocks: a full channel drops the frame.
func (c *Channels) SendRaw(ctx context.Context, msg models.RawFrame) bool {
	select {
	case <-ctx.Done():
		return false
	default:
	}

	select {
	case c.Raw <- msg:
		c.IncrementRawSent()
		logger.RecordChannelMessage(rawChannel, len(msg.Data))
		return true
	case <-ctx.Done():
		return false
	default:
		c.IncrementRawDropped()
		metrics.EmitDropMetric(c.log, metrics.DropMetricRawFrame, msg.Exchange, "channel")
		return false
	}
}

func (c *Channels) GetStats() ChannelStats {
	c.statsMutex.RLock()
	defer c.statsMutex.RUnlock()
	return c.stats
}

// Tee copies every frame from in onto two channels of the given size. Both
// outputs are closed once in is closed or ctx is done. A slow consumer
// applies backpressure to the other.
func Tee(ctx context.Context, in <-chan models.RawFrame, size int) (<-chan models.RawFrame, <-chan models.RawFrame) {
	a := make(chan models.RawFrame, size)
	b := make(chan models.RawFrame, size)
	go func() {
		defer close(a)
		defer close(b)
		for {
			select {
			case <-ctx.Done():
				return
			case f, ok := <-in:
				if !ok {
					return
				}
				for _, out := range [2]chan models.RawFrame{a, b} {
					select {
					case out <- f:
					case <-ctx.Done():
						return
					}
				}
			}
		}
	}()
	return a, b
}

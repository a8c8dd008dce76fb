package liq

import (
	"context"
	"sync"

	"liqflow/internal/models"
	"liqflow/logger"
)

type ChannelStats struct {
	RawSent          int64
	RawBlocked       int64
	ArchiveSent      int64
	ArchiveDropped   int64
	RawBufferLen     int
	ArchiveBufferLen int
}

// Channels connects the feed reader to the processor and, when archiving is
// on, the processor to the archive writer. Archive is nil when archiving is off.
type Channels struct {
	Raw     chan models.RawLiquidationMessage
	Archive chan models.ArchivedLiquidation

	stats      ChannelStats
	statsMutex sync.RWMutex
	closeOnce  sync.Once
	log        *logger.Log
}

func NewChannels(rawBufferSize, archiveBufferSize int) *Channels {
	log := logger.GetLogger()
	c := &Channels{
		Raw: make(chan models.RawLiquidationMessage, rawBufferSize),
		log: log,
	}
	if archiveBufferSize > 0 {
		c.Archive = make(chan models.ArchivedLiquidation, archiveBufferSize)
	}

	log.WithComponent("liq_channels").WithFields(logger.Fields{
		"raw_buffer_size":     rawBufferSize,
		"archive_buffer_size": archiveBufferSize,
	}).Info("liquidation channels initialized")

	return c
}

func (c *Channels) Close() {
	c.closeOnce.Do(func() {
		close(c.Raw)
		if c.Archive != nil {
			close(c.Archive)
		}
		c.log.WithComponent("liq_channels").Info("liquidation channels closed")
	})
}

// SendRaw hands a frame to the processor. A full buffer makes it wait until a
// worker frees a slot, so frames are never dropped; it returns false only when
// ctx ends first.
func (c *Channels) SendRaw(ctx context.Context, msg models.RawLiquidationMessage) bool {
	select {
	case c.Raw <- msg:
		c.countRaw(false)
		return true
	default:
	}

	select {
	case c.Raw <- msg:
		c.countRaw(true)
		return true
	case <-ctx.Done():
		return false
	}
}

func (c *Channels) countRaw(blocked bool) {
	c.statsMutex.Lock()
	c.stats.RawSent++
	if blocked {
		c.stats.RawBlocked++
	}
	c.statsMutex.Unlock()
}

// SendArchive queues a normalized event for the archive writer. It is a no-op
// returning false when archiving is off.
func (c *Channels) SendArchive(ctx context.Context, rec models.ArchivedLiquidation) bool {
	if c.Archive == nil {
		return false
	}
	select {
	case c.Archive <- rec:
		c.statsMutex.Lock()
		c.stats.ArchiveSent++
		c.statsMutex.Unlock()
		return true
	case <-ctx.Done():
		return false
	default:
		c.statsMutex.Lock()
		c.stats.ArchiveDropped++
		c.statsMutex.Unlock()
		return false
	}
}

func (c *Channels) GetStats() ChannelStats {
	c.statsMutex.RLock()
	stats := c.stats
	c.statsMutex.RUnlock()

	stats.RawBufferLen = len(c.Raw)
	if c.Archive != nil {
		stats.ArchiveBufferLen = len(c.Archive)
	}
	return stats
}

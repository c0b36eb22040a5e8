package transport

import (
	"context"
	"sync"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
)

// Channel publishes to an in-process Go channel shared by the whole process.
// Used for local development and tests.
const Channel = "channel"

var (
	GoChannelFactory = func(cfg gochannel.Config, logger watermill.LoggerAdapter) *gochannel.GoChannel {
		return gochannel.NewGoChannel(cfg, logger)
	}

	sharedMu      sync.Mutex
	sharedChannel *gochannel.GoChannel
)

// SharedChannel returns the process-wide in-memory pub/sub, creating it on
// first use. Subscribe to it to observe what the channel publisher emits.
func SharedChannel(logger watermill.LoggerAdapter) *gochannel.GoChannel {
	sharedMu.Lock()
	defer sharedMu.Unlock()
	if sharedChannel == nil {
		if logger == nil {
			logger = watermill.NopLogger{}
		}
		sharedChannel = GoChannelFactory(gochannel.Config{OutputChannelBuffer: 64}, logger)
	}
	return sharedChannel
}

// ResetSharedChannel closes and forgets the shared pub/sub.
func ResetSharedChannel() error {
	sharedMu.Lock()
	defer sharedMu.Unlock()
	if sharedChannel == nil {
		return nil
	}
	err := sharedChannel.Close()
	sharedChannel = nil
	return err
}

func channelBuilder(_ context.Context, _ Settings, logger watermill.LoggerAdapter) (message.Publisher, error) {
	return nopClosePublisher{SharedChannel(logger)}, nil
}

// nopClosePublisher keeps the shared channel open when a caller closes its
// publisher handle.
type nopClosePublisher struct {
	message.Publisher
}

func (nopClosePublisher) Close() error { return nil }

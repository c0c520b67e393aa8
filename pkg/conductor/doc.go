// # Overview
//
// The conductor sends a frame number (0-65535) to one sACN universe at a
// configurable rate. Channel 1 carries the most significant byte and channel 2
// the least significant byte; every other channel in the universe is zero.
//
// # Events
//
// Observers receive two kinds of Event:
//
//   - progress: {frame, total_frames, status, percent}, on every tick and on
//     every externally triggered state change
//   - config_update: the full SenderConfig, whenever the configuration changes
//
// Every event carries the Seq of the state mutation that produced it. Seq is
// strictly increasing across mutations, so an observer can discard anything
// older than what it has already seen.
//
// # Redis mirror
//
// When a Redis URL is configured, the conductor mirrors events to Redis:
//
//	conductor:{instance}:events    Pub/Sub channel with every Event as JSON
//	conductor:{instance}:state     latest progress Event (expires after StateTTL)
//	conductor:{instance}:config    hash with the current SenderConfig
//	conductor:{instance}:commands  Pub/Sub channel read by the conductor
//
// # Usage Example
//
//	client, err := conductor.NewClient(&redis.Options{Addr: "localhost:6379"}, "stage-left")
//	if err != nil {
//		return err
//	}
//	defer client.Close()
//
//	cfg := conductor.DefaultSenderConfig()
//	cfg.FrameRate = 25
//	_, err = client.PublishCommand(ctx, conductor.NewCommand(conductor.CommandSetConfig, &cfg))
package conductor

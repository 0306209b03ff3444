/*
Package events provides the in-memory pub/sub broker used to broadcast
pipeline lifecycle events to interested subscribers.

Publishers never block: events flow through a buffered channel into a
broadcast loop, and subscribers with full buffers are skipped. Delivery is
best effort; nothing in the engine depends on an event arriving.

# Event Flow

	Publisher → Event Channel (buffer: 100)
	     ↓
	Broadcast Loop
	     ↓
	Subscriber Channels (buffer: 50 each)

# Usage

	broker := events.NewBroker()
	broker.Start()
	defer broker.Stop()

	sub := broker.Subscribe()
	defer broker.Unsubscribe(sub)

	go func() {
		for event := range sub {
			fmt.Printf("[%s] %s: %s\n",
				event.Timestamp.Format("15:04:05"), event.Type, event.Message)
		}
	}()

	broker.Publish(&events.Event{
		Type:    events.EventStagePaused,
		Message: "download paused: quota exhausted",
		Metadata: map[string]string{"stage": "download"},
	})

# Event Types

Item events (item.transition, item.failed_permanent, item.skipped_exists,
item.completed) are published by the state manager on every committed
transition. Stage events (stage.paused, stage.resumed) and quota events
(quota.exhausted, quota.recovered, download.limit_exhausted) come from the
pipeline manager. The notifier subscribes and forwards the ones a human
should see.
*/
package events

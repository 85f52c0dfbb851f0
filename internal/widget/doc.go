// Package widget implements the visitor side of a chat conversation.
//
// # Overview
//
// A Session keeps two stores: a durable one holding the visitor id and
// token, and a session one holding the active conversation id with a cache
// of recent messages. Client wraps the gateway's HTTP API and opens
// WebSocket subscriptions.
//
// Resume decides what to show on load. Pager walks history newest page
// first. Loop ties them together:
//
//	client := widget.NewClient("https://chat.example.com", nil)
//	kv, _ := widget.OpenFileKV(filepath.Join(dataDir, "visitor.json"))
//	loop := widget.NewLoop(client, widget.NewSession(kv, nil), widget.LoopConfig{WidgetKey: "acme"}, logger)
//	go loop.Run(ctx)
//	for u := range loop.Updates() {
//		render(u)
//	}
//
// # Delivery
//
// Real-time delivery is at most once, so the loop also polls "messages
// since the newest seen id" while the widget is visible and either no
// subscription exists or the other party is typing. Polling runs a few
// extra cycles after typing stops or the visitor sends. Messages are merged
// by id, so overlap between polls and the subscription is harmless.
package widget

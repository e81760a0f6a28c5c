// Package ctxmeter embeds the ctxmeter usage pipeline in a Go program.
//
// Each execution context (a browser tab, a chat session, a worker) gets its
// own arbitration engine. Server-reported usage found in observed traffic
// always wins; DOM estimates fill the gaps while the network is quiet.
//
// # Observing an HTTP client
//
//	client, _ := ctxmeter.New(ctx, ctxmeter.WithDialects("openai"))
//	defer client.Close()
//
//	httpClient := &http.Client{Transport: client.Transport(nil, "chat-1")}
//	// ... call the API with httpClient ...
//	u, _ := client.Context("chat-1").Usage(ctx)
//	fmt.Println(u.Total, u.Level)
//
// # Feeding a context by hand
//
//	tab := client.Context("tab-1")
//	_, _ = tab.ObserveTraffic(ctx, url, body)
//	_ = tab.UpdateDocument(ctx, html)
//
//	sub := tab.Subscribe()
//	defer sub.Cancel()
//	for u := range sub.C {
//	    fmt.Println(u.Total, u.Source)
//	}
//
// With WithValkey or WithRedis, events are shared between processes over
// pub/sub and the last accepted event of each context survives restarts.
package ctxmeter

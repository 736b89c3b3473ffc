// Package client is the Go SDK for predictd. It frames a predict request,
// sends it over a fresh TCP connection and decodes the framed answer.
//
//	cli, err := client.New("127.0.0.1:9342")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	resp, err := cli.Predict(ctx, "alice", "bob")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	for _, p := range resp.Predictions {
//	    fmt.Println(p.Login, p.Beginner)
//	}
//
// A server-side failure (invalid request, unreachable stats store) is returned
// as *client.Error alongside the decoded Response so callers can inspect the
// errno.
package client

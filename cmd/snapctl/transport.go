// HTTP transport for replication. This lives in the CLI, not in
// internal/replication, because the replication core never commits to a
// specific transport -- only this binary's wiring picks one.
package main

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"

	"snapctl/internal/controller"
	"snapctl/internal/replication"
	"snapctl/internal/snapshot"
	"snapctl/internal/wire"
)

// httpTransport sends chunks to peers as HTTP POST requests carrying a
// msgpack-encoded body, and receives them via ingestHandler on the other
// end.
type httpTransport struct {
	client *http.Client
}

func newHTTPTransport() *httpTransport {
	return &httpTransport{client: http.DefaultClient}
}

var _ replication.Transport = (*httpTransport)(nil)

// SendChunk POSTs chunk to peer + "/snapshot/ingest".
func (t *httpTransport) SendChunk(ctx context.Context, peer string, chunk snapshot.Chunk) error {
	body, err := wire.Encode(chunk)
	if err != nil {
		return fmt.Errorf("encode chunk: %w", err)
	}

	url := peer + "/snapshot/ingest"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/msgpack")

	resp, err := t.client.Do(req)
	if err != nil {
		return fmt.Errorf("post to %s: %w", peer, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("peer %s returned %s: %s", peer, resp.Status, msg)
	}
	return nil
}

// ingestHandler decodes a chunk from the request body and feeds it to the
// controller's receiver, returning 200 once the chunk is accepted (not
// necessarily once the whole snapshot is complete) and a 4xx/5xx on any
// verification failure so the sender can log the rejection.
func ingestHandler(c *controller.SnapshotController) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		body, err := io.ReadAll(r.Body)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		chunk, err := wire.Decode(body)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}

		_, err = c.IngestReplicatedChunk(r.Context(), chunk)
		if err != nil {
			http.Error(w, err.Error(), http.StatusUnprocessableEntity)
			return
		}
		w.WriteHeader(http.StatusOK)
	}
}

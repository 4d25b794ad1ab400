package batch

// ChunkIDs partitions recipient ids into slices of at most size, preserving
// order. Only the final chunk may be smaller. A size below 1 is clamped to 1.
func ChunkIDs(ids []string, size int) [][]string {
	if size < 1 {
		size = 1
	}
	if len(ids) == 0 {
		return nil
	}

	chunks := make([][]string, 0, (len(ids)+size-1)/size)
	for start := 0; start < len(ids); start += size {
		end := start + size
		if end > len(ids) {
			end = len(ids)
		}
		chunks = append(chunks, ids[start:end])
	}
	return chunks
}

// ChunkSize resolves the recipients-per-request for a chunk: the send
// config's override when present, otherwise the provider's batch limit.
func ChunkSize(cfg EmbeddedSendConfig, providerMax int) int {
	if cfg.RateLimit.RecipientsPerRequest != nil && *cfg.RateLimit.RecipientsPerRequest > 0 {
		n := *cfg.RateLimit.RecipientsPerRequest
		if n < providerMax {
			return n
		}
		return providerMax
	}
	return providerMax
}

// Package idempotency derives deterministic job identifiers from normalized
// requests. Identical requests always map onto the same id, forever and
// across process restarts; no wall-clock value participates. This is the
// idempotency contract the rest of the pipeline depends on.
package idempotency

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strconv"

	"media-pipeline/internal/domain"
)

// keyLength is the number of hex characters kept from the digest. 64 bits of
// id space is plenty for a store of TTL-bounded jobs.
const keyLength = 16

// FromRequest returns the deterministic job id for a request. The input is
// normalized first, then every field is concatenated in a fixed order:
// media URL, noise_reduce, language, sample_rate. Changing this order or the
// field set changes every id, so treat the layout as frozen.
func FromRequest(req domain.JobRequest) string {
	n := req.Normalize()
	canonical := fmt.Sprintf("url=%s|noise_reduce=%s|language=%s|sample_rate=%d",
		n.MediaURL,
		strconv.FormatBool(n.Options.NoiseReduce),
		n.Options.Language,
		n.Options.SampleRate,
	)
	sum := sha256.Sum256([]byte(canonical))
	return hex.EncodeToString(sum[:])[:keyLength]
}

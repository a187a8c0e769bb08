package mesh

import (
	"errors"
	"fmt"

	cbor "github.com/fxamacker/cbor/v2"
)

// MaxChunks bounds a single message's frame count so a hostile peer cannot
// make us allocate huge assembly arrays.
const MaxChunks = 1024

// smallest container limit the cbor decoder accepts
const minContainerLimit = 16

var ErrMalformedChunk = errors.New("malformed mesh chunk")

type (
	// Chunk is one mesh frame of a message.
	Chunk struct {
		MessageID   string `cbor:"1,keyasint"`
		ChunkIndex  int    `cbor:"2,keyasint"`
		TotalChunks int    `cbor:"3,keyasint"`
		Data        []byte `cbor:"4,keyasint"`
	}

	// Payload is the message body carried by a chunk sequence.
	Payload struct {
		Content   string `cbor:"1,keyasint"`
		Nonce     string `cbor:"2,keyasint"`
		MessageID string `cbor:"3,keyasint"`
		Timestamp int64  `cbor:"4,keyasint"`
	}

	// Presence is exchanged once per link when it is attached.
	Presence struct {
		UserID    string `cbor:"1,keyasint"`
		PublicKey []byte `cbor:"2,keyasint"`
	}

	codec struct {
		enc cbor.EncMode
		dec cbor.DecMode
	}
)

func newCodec() (codec, error) {
	em, err := cbor.CanonicalEncOptions().EncMode()
	if err != nil {
		return codec{}, err
	}
	// records are already capped by the link; keep container counts near
	// the handful of fields a frame has
	dm, err := cbor.DecOptions{MaxArrayElements: minContainerLimit, MaxMapPairs: minContainerLimit}.DecMode()
	if err != nil {
		return codec{}, err
	}
	return codec{enc: em, dec: dm}, nil
}

func (c codec) Marshal(v any) ([]byte, error) { return c.enc.Marshal(v) }

func (c codec) Unmarshal(data []byte, v any) error { return c.dec.Unmarshal(data, v) }

// Split cuts payload into frames carrying at most maxData bytes each.
func Split(messageID string, payload []byte, maxData int) ([]Chunk, error) {
	if maxData <= 0 {
		return nil, fmt.Errorf("invalid chunk size %d", maxData)
	}
	if len(payload) == 0 {
		return nil, errors.New("empty payload")
	}
	total := (len(payload) + maxData - 1) / maxData
	if total > MaxChunks {
		return nil, fmt.Errorf("payload needs %d chunks, max %d", total, MaxChunks)
	}

	chunks := make([]Chunk, 0, total)
	for i := 0; i < total; i++ {
		end := min((i+1)*maxData, len(payload))
		chunks = append(chunks, Chunk{
			MessageID:   messageID,
			ChunkIndex:  i,
			TotalChunks: total,
			Data:        payload[i*maxData : end],
		})
	}
	return chunks, nil
}

func (c Chunk) validate() error {
	switch {
	case c.MessageID == "":
		return fmt.Errorf("%w: empty message id", ErrMalformedChunk)
	case c.TotalChunks <= 0 || c.TotalChunks > MaxChunks:
		return fmt.Errorf("%w: total %d", ErrMalformedChunk, c.TotalChunks)
	case c.ChunkIndex < 0 || c.ChunkIndex >= c.TotalChunks:
		return fmt.Errorf("%w: index %d of %d", ErrMalformedChunk, c.ChunkIndex, c.TotalChunks)
	}
	return nil
}

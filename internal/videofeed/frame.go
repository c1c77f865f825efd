package videofeed

import "time"

// Frame is one payload taken from the publisher. Frames are never modified
// after they are stored in a feed.
type Frame struct {
	Data       []byte    // Encoded JPEG bytes as published
	Seq        uint64    // Per-feed receive counter, starting at 1
	ReceivedAt time.Time // When the receive loop stored the frame
}

const (
	boundary = "frame"

	// ContentType is the HTTP response type for Stream output.
	ContentType = "multipart/x-mixed-replace; boundary=" + boundary
)

var (
	chunkHeader  = []byte("--" + boundary + "\r\nContent-Type: image/jpeg\r\n\r\n")
	chunkTrailer = []byte("\r\n")
)

// EncodeChunk frames a JPEG as one part of a multipart/x-mixed-replace body:
//
//	--frame\r\n
//	Content-Type: image/jpeg\r\n
//	\r\n
//	<jpeg>\r\n
func EncodeChunk(jpeg []byte) []byte {
	chunk := make([]byte, 0, len(chunkHeader)+len(jpeg)+len(chunkTrailer))
	chunk = append(chunk, chunkHeader...)
	chunk = append(chunk, jpeg...)
	chunk = append(chunk, chunkTrailer...)
	return chunk
}

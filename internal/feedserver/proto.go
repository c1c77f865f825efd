package feedserver

import (
	"time"

	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/dj-oyu/factory-vision/feed-relay/internal/videofeed"
)

// marshalFeedsProto encodes feed statuses as a google.protobuf.Struct with
// the same field names as the JSON body. Times are RFC 3339 strings.
func marshalFeedsProto(statuses []videofeed.Status, now time.Time) ([]byte, error) {
	feeds := make([]any, 0, len(statuses))
	for _, st := range statuses {
		feed := map[string]any{
			"camera_id":          st.CameraID,
			"open":               st.Open,
			"has_frame":          st.HasFrame,
			"frame_seq":          float64(st.FrameSeq),
			"frame_bytes":        float64(st.FrameBytes),
			"created_at":         st.CreatedAt.Format(time.RFC3339Nano),
			"last_active_at":     st.LastActiveAt.Format(time.RFC3339Nano),
			"frames_received":    float64(st.FramesReceived),
			"frames_filtered":    float64(st.FramesFiltered),
			"malformed_messages": float64(st.MalformedMessages),
			"viewers":            float64(st.Viewers),
		}
		if !st.LastFrameAt.IsZero() {
			feed["last_frame_at"] = st.LastFrameAt.Format(time.RFC3339Nano)
		}
		if st.Error != "" {
			feed["error"] = st.Error
		}
		feeds = append(feeds, feed)
	}

	msg, err := structpb.NewStruct(map[string]any{
		"feeds":     feeds,
		"timestamp": float64(now.Unix()),
	})
	if err != nil {
		return nil, err
	}
	return proto.Marshal(msg)
}

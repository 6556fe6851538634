package sidetap

import (
	"fmt"
	"os"
)

// writeSDP describes a single Opus 48000/2 stream arriving on rtpPort,
// matching what the segmenter subprocess (ffmpeg -protocol_whitelist file,udp,rtp
// ... -i sdpPath) reads.
func writeSDP(path string, rtpPort int) error {
	sdp := fmt.Sprintf(
		"v=0\r\n"+
			"o=- 0 0 IN IP4 127.0.0.1\r\n"+
			"s=confluence audio side-tap\r\n"+
			"c=IN IP4 127.0.0.1\r\n"+
			"t=0 0\r\n"+
			"m=audio %d RTP/AVP 100\r\n"+
			"a=rtpmap:100 opus/48000/2\r\n",
		rtpPort,
	)
	return os.WriteFile(path, []byte(sdp), 0o644)
}

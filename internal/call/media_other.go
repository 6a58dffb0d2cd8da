//go:build !linux

package call

import "errors"

// captureMedia fails on non-Linux platforms: camera/microphone capture via
// pion/mediadevices needs the V4L2 and malgo drivers wired in media_linux.go.
func captureMedia(_ string, _ MediaOptions) (MediaSource, error) {
	return nil, &MediaAccessError{Err: errors.New("native media capture is only supported on linux")}
}

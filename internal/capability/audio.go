package capability

import (
	"fmt"
	"sync"

	"go.starlark.net/starlark"

	"github.com/jkaninda/scriptbox/internal/host"
)

// AudioQueueType is the host type of a guild's playback queue.
const AudioQueueType = "AudioQueue"

// maxQueueLength bounds the queue of one guild.
const maxQueueLength = 500

// AudioQueue is an ordered list of track identifiers.
type AudioQueue struct {
	mu     sync.Mutex
	tracks []string
	volume int
}

// NewAudioQueue creates an empty queue at full volume.
func NewAudioQueue() *AudioQueue {
	return &AudioQueue{volume: 100}
}

// Tracks returns a snapshot of the queued tracks.
func (q *AudioQueue) Tracks() []string {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]string(nil), q.tracks...)
}

func queueOf(self *host.Object) *AudioQueue { return self.State().(*AudioQueue) }

func audioQueueType() *host.Type {
	return host.NewType(AudioQueueType, nil,
		host.Method{Name: "add", Fn: queueAdd},
		host.Method{Name: "skip", Fn: queueSkip},
		host.Method{Name: "clear", Fn: queueClear},
		host.Method{Name: "tracks", Fn: queueTracks},
		host.Method{Name: "size", Fn: queueSize},
		host.Method{Name: "volume", Fn: queueVolume},
	)
}

func queueAdd(thread *starlark.Thread, self *host.Object, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	if err := checkContext(thread); err != nil {
		return nil, err
	}
	var track string
	if err := starlark.UnpackPositionalArgs("add", args, kwargs, 1, &track); err != nil {
		return nil, err
	}
	q := queueOf(self)
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.tracks) >= maxQueueLength {
		return nil, fmt.Errorf("add: queue is full (%d tracks)", maxQueueLength)
	}
	q.tracks = append(q.tracks, track)
	return starlark.MakeInt(len(q.tracks)), nil
}

func queueSkip(thread *starlark.Thread, self *host.Object, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	if err := checkContext(thread); err != nil {
		return nil, err
	}
	if err := starlark.UnpackPositionalArgs("skip", args, kwargs, 0); err != nil {
		return nil, err
	}
	q := queueOf(self)
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.tracks) == 0 {
		return starlark.None, nil
	}
	skipped := q.tracks[0]
	q.tracks = q.tracks[1:]
	return starlark.String(skipped), nil
}

func queueClear(thread *starlark.Thread, self *host.Object, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	if err := checkContext(thread); err != nil {
		return nil, err
	}
	if err := starlark.UnpackPositionalArgs("clear", args, kwargs, 0); err != nil {
		return nil, err
	}
	q := queueOf(self)
	q.mu.Lock()
	defer q.mu.Unlock()
	n := len(q.tracks)
	q.tracks = nil
	return starlark.MakeInt(n), nil
}

func queueTracks(_ *starlark.Thread, self *host.Object, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	if err := starlark.UnpackPositionalArgs("tracks", args, kwargs, 0); err != nil {
		return nil, err
	}
	tracks := queueOf(self).Tracks()
	values := make([]starlark.Value, len(tracks))
	for i, t := range tracks {
		values[i] = starlark.String(t)
	}
	return starlark.NewList(values), nil
}

func queueSize(_ *starlark.Thread, self *host.Object, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	if err := starlark.UnpackPositionalArgs("size", args, kwargs, 0); err != nil {
		return nil, err
	}
	q := queueOf(self)
	q.mu.Lock()
	defer q.mu.Unlock()
	return starlark.MakeInt(len(q.tracks)), nil
}

// queueVolume reads the volume, or sets it when called with an argument.
func queueVolume(thread *starlark.Thread, self *host.Object, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	if err := checkContext(thread); err != nil {
		return nil, err
	}
	level := -1
	if err := starlark.UnpackPositionalArgs("volume", args, kwargs, 0, &level); err != nil {
		return nil, err
	}
	q := queueOf(self)
	q.mu.Lock()
	defer q.mu.Unlock()
	if level >= 0 {
		if level > 200 {
			return nil, fmt.Errorf("volume: %d is above 200", level)
		}
		q.volume = level
	}
	return starlark.MakeInt(q.volume), nil
}

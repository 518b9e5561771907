package docsync

import (
	"fmt"
	"sort"

	mapset "github.com/deckarep/golang-set/v2"

	"github.com/alexjbarnes/paper-sync/internal/device"
	apperrors "github.com/alexjbarnes/paper-sync/internal/errors"
)

// Mode selects the direction of a sync.
type Mode string

const (
	// ModeDownloadAll copies device documents missing locally.
	ModeDownloadAll Mode = "download_all"

	// ModeUploadAll copies local files missing on the device.
	ModeUploadAll Mode = "upload_all"

	// ModeMirror makes the device match the local folder: missing files
	// are uploaded and device documents absent locally are deleted.
	ModeMirror Mode = "mirror"
)

// ParseMode converts a mode name into a Mode.
func ParseMode(s string) (Mode, error) {
	switch m := Mode(s); m {
	case ModeDownloadAll, ModeUploadAll, ModeMirror:
		return m, nil
	}

	return "", fmt.Errorf("%w: %q", apperrors.ErrInvalidSyncMode, s)
}

// ActionType is the kind of work an Action requires.
type ActionType string

const (
	ActionUpload       ActionType = "upload"
	ActionDownload     ActionType = "download"
	ActionDeleteRemote ActionType = "delete_remote"
	ActionDeleteLocal  ActionType = "delete_local"
	ActionSkip         ActionType = "skip"
)

// category orders action types within a plan: transfers, then deletes,
// then skips.
func (t ActionType) category() int {
	switch t {
	case ActionUpload, ActionDownload:
		return 0
	case ActionDeleteRemote, ActionDeleteLocal:
		return 1
	default:
		return 2
	}
}

// Action is one planned step. Local and Remote point at the inventory
// entries for the key when the key exists on that side.
type Action struct {
	Type   ActionType    `json:"type"`
	Key    Key           `json:"key"`
	Local  *LocalEntry   `json:"-"`
	Remote *device.Entry `json:"-"`
}

// Plan is an ordered list of actions.
type Plan []Action

// Count returns the number of actions of type t.
func (p Plan) Count(t ActionType) int {
	n := 0

	for _, a := range p {
		if a.Type == t {
			n++
		}
	}

	return n
}

// Keys returns the number of distinct keys in the plan.
func (p Plan) Keys() int {
	seen := mapset.NewThreadUnsafeSet[Key]()
	for _, a := range p {
		seen.Add(a.Key)
	}

	return seen.Cardinality()
}

// Reconcile decides what each key needs by comparing the two
// inventories. This is a pure decision function with no I/O: presence
// of a key is the only signal, sizes and times are never compared.
//
//   - download_all: device-only keys download, keys on both sides skip.
//   - upload_all: local-only keys upload, keys on both sides skip.
//   - mirror: local-only keys upload, keys on both sides skip, device-only
//     keys are deleted from the device.
//
// The plan lists transfers first, then deletes, then skips, each group
// in ascending key order. An unknown mode yields an empty plan.
func Reconcile(local LocalInventory, remote RemoteInventory, mode Mode) Plan {
	localKeys := mapset.NewThreadUnsafeSetFromMapKeys(local)
	remoteKeys := mapset.NewThreadUnsafeSetFromMapKeys(remote)

	onlyLocal := localKeys.Difference(remoteKeys)
	onlyRemote := remoteKeys.Difference(localKeys)
	both := localKeys.Intersect(remoteKeys)

	var plan Plan

	emit := func(keys mapset.Set[Key], t ActionType) {
		for _, k := range keys.ToSlice() {
			a := Action{Type: t, Key: k}

			if e, ok := local[k]; ok {
				a.Local = &e
			}

			if e, ok := remote[k]; ok {
				a.Remote = &e
			}

			plan = append(plan, a)
		}
	}

	switch mode {
	case ModeDownloadAll:
		emit(onlyRemote, ActionDownload)
		emit(both, ActionSkip)
	case ModeUploadAll:
		emit(onlyLocal, ActionUpload)
		emit(both, ActionSkip)
	case ModeMirror:
		emit(onlyLocal, ActionUpload)
		emit(onlyRemote, ActionDeleteRemote)
		emit(both, ActionSkip)
	default:
		return nil
	}

	sort.SliceStable(plan, func(i, j int) bool {
		ci, cj := plan[i].Type.category(), plan[j].Type.category()
		if ci != cj {
			return ci < cj
		}

		return plan[i].Key < plan[j].Key
	})

	return plan
}

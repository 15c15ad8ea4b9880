package nativehook

import (
	"sync"
	"testing"

	"github.com/apex/log/handlers/memory"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"

	"github.com/k2io/nativehook/internal/arch"
	"github.com/k2io/nativehook/internal/trampoline"
)

func TestGetVersion(t *testing.T) {
	require.Equal(t, "nativehook-"+Version, GetVersion())
	require.Equal(t, GetVersion(), GetVersion())
}

func TestHookError_Is(t *testing.T) {
	err := opError("hook", 0x1000, ErrAnalysisFailed, errors.Wrap(arch.ErrUnsupportedInstruction, "ret at +2"))
	require.True(t, errors.Is(err, ErrAnalysisFailed))
	require.True(t, errors.Is(err, ErrUnsupportedInstruction))
	require.False(t, errors.Is(err, ErrWriteFailed))
	require.Contains(t, err.Error(), "hook 0x1000")

	var he *HookError
	require.True(t, errors.As(err, &he))
	require.Equal(t, uintptr(0x1000), he.Target)

	plain := opError("destroy", 0x2000, nil, ErrNotPatched)
	require.True(t, errors.Is(plain, ErrNotPatched))
	require.Equal(t, "destroy 0x2000: address not patched", plain.Error())
}

func TestStageOf(t *testing.T) {
	require.Equal(t, ErrAnalysisFailed, stageOf(&trampoline.AnalysisError{Err: arch.ErrOutOfBounds}))
	require.Equal(t, ErrTrampolineFailed, stageOf(errors.Wrap(trampoline.ErrNoReachableMemory, "relay")))
}

func TestErrDoubleHookAlias(t *testing.T) {
	require.True(t, errors.Is(ErrDoubleHook, ErrAlreadyHooked))
}

func TestOptions(t *testing.T) {
	defer SetOptions(true, nil)

	require.True(t, CurrentOptions().NearTrampoline)
	require.Nil(t, CurrentOptions().AllocNearCode)

	SetNearTrampoline(false)
	require.False(t, CurrentOptions().NearTrampoline)

	calls := 0
	RegisterAllocNearCodeCallback(func(int, uintptr, uintptr) uintptr {
		calls++
		return 0
	})
	opts := CurrentOptions()
	require.False(t, opts.NearTrampoline)
	require.NotNil(t, opts.AllocNearCode)
	opts.AllocNearCode(16, 0, 0)
	require.Equal(t, 1, calls)

	// a snapshot is not affected by later changes
	snap := options.Load()
	SetOptions(true, nil)
	require.False(t, snap.NearTrampoline)
	require.True(t, CurrentOptions().NearTrampoline)

	RegisterAllocNearCodeCallback(nil)
	require.Nil(t, CurrentOptions().AllocNearCode)
}

func TestRawPatchChecks(t *testing.T) {
	err := CodePatch(0x1000, nil)
	require.Error(t, err)

	err = CodePatch(0x1000, make([]byte, MaxPatchSize+1))
	require.True(t, errors.Is(err, ErrRegionTooLarge))

	err = ReplaceCode(0x1000, make([]byte, MaxPatchSize+1))
	require.True(t, errors.Is(err, ErrRegionTooLarge))
}

func TestDestroy_NotPatched(t *testing.T) {
	err := Destroy(0xdead0000)
	require.True(t, errors.Is(err, ErrNotPatched))
	var he *HookError
	require.True(t, errors.As(err, &he))
	require.Equal(t, "destroy", he.Op)
}

func TestHook_NilReplacement(t *testing.T) {
	_, err := Hook(0x1000, 0)
	require.Error(t, err)
	require.Empty(t, Records())
}

func TestKindString(t *testing.T) {
	require.Equal(t, "hook", KindHook.String())
	require.Equal(t, "instrument", KindInstrument.String())
	require.Equal(t, "raw-patch", KindRawPatch.String())
	require.Equal(t, "unknown", Kind(9).String())
}

func TestRegistryOverlap(t *testing.T) {
	h := &hook{PatchRecord: PatchRecord{Target: 0x5000, Length: 8, Kind: KindHook}}
	register(h)
	defer unregister(h.Target)

	require.Same(t, h, lookup(0x5000))
	require.Nil(t, lookup(0x5001))
	require.Same(t, h, overlapping(0x5007, 1))
	require.Same(t, h, overlapping(0x4ff0, 0x11))
	require.Nil(t, overlapping(0x5008, 4))
	require.Nil(t, overlapping(0x4ff0, 0x10))

	err := CodePatch(0x5004, []byte{0x90})
	require.True(t, errors.Is(err, ErrAlreadyHooked))

	recs := Records()
	require.Len(t, recs, 1)
	require.Equal(t, uintptr(0x5000), recs[0].Target)
}

func TestDebugLogging(t *testing.T) {
	old := logHandler.Load().Handler
	h := memory.New()
	SetLogHandler(h)
	SetDebug(true)
	defer func() {
		SetDebug(false)
		SetLogHandler(old)
	}()

	logger.WithField("target", hex(0x1000)).Debug("patch removed")
	require.Len(t, h.Entries, 1)
	require.Equal(t, "patch removed", h.Entries[0].Message)
	require.Equal(t, "0x1000", h.Entries[0].Fields.Get("target"))

	SetDebug(false)
	logger.Debug("dropped")
	require.Len(t, h.Entries, 1)
}

func TestLogSettings_ChangeWhileLogging(t *testing.T) {
	old := logHandler.Load().Handler
	defer func() {
		SetDebug(false)
		SetLogHandler(old)
	}()
	a, b := memory.New(), memory.New()
	SetLogHandler(a)

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 200; j++ {
				logger.Info("installed")
				logger.Debug("code patched")
			}
		}()
	}
	for j := 0; j < 200; j++ {
		SetDebug(j%2 == 0)
		if j%2 == 0 {
			SetLogHandler(b)
		} else {
			SetLogHandler(a)
		}
	}
	wg.Wait()

	var infos int
	for _, h := range []*memory.Handler{a, b} {
		for _, e := range h.Entries {
			if e.Message == "installed" {
				infos++
			}
		}
	}
	require.Equal(t, 4*200, infos)
}

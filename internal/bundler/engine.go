package bundler

import (
	"fmt"
	"sync"

	"github.com/evanw/esbuild/pkg/api"
	"golang.org/x/sync/singleflight"
)

// The build backend is warmed exactly once per process. Concurrent
// first callers share the same in-flight initialization through the
// singleflight group, and a failed warm-up leaves the shared slot
// empty so the next call retries instead of caching the failure.
var (
	engineMu     sync.Mutex
	sharedEngine *buildEngine
	engineGroup  singleflight.Group
)

type buildEngine struct{}

func acquireBuildEngine() (*buildEngine, error) {
	engineMu.Lock()
	engine := sharedEngine
	engineMu.Unlock()
	if engine != nil {
		return engine, nil
	}

	value, err, _ := engineGroup.Do("build-engine", func() (any, error) {
		warmed, warmErr := warmBuildEngine()
		if warmErr != nil {
			return nil, warmErr
		}
		engineMu.Lock()
		sharedEngine = warmed
		engineMu.Unlock()
		return warmed, nil
	})
	if err != nil {
		return nil, err
	}
	return value.(*buildEngine), nil
}

// warmBuildEngine runs a trivial build so the native backend loads its
// runtime before the first real bundle request pays for it.
func warmBuildEngine() (*buildEngine, error) {
	result := api.Transform("export const ready = true;", api.TransformOptions{
		Loader: api.LoaderJS,
	})
	if len(result.Errors) > 0 {
		return nil, fmt.Errorf("build backend warm-up failed: %s", result.Errors[0].Text)
	}
	return &buildEngine{}, nil
}

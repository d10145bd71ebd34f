package onnxseg

import (
	"fmt"
	"sync"

	ort "github.com/yalue/onnxruntime_go"
)

// The ONNX Runtime environment is process-wide, but our models come and go,
// so we reference count it.
var envLock sync.Mutex
var envRefs int

// Location of libonnxruntime.so. If empty, we let onnxruntime_go use its default search.
var sharedLibraryPath string

// SetSharedLibraryPath must be called before the first model is loaded, if the
// ONNX Runtime shared library is not in the default location.
func SetSharedLibraryPath(path string) {
	envLock.Lock()
	defer envLock.Unlock()
	sharedLibraryPath = path
}

func acquireEnvironment() error {
	envLock.Lock()
	defer envLock.Unlock()
	if envRefs == 0 && !ort.IsInitialized() {
		if sharedLibraryPath != "" {
			ort.SetSharedLibraryPath(sharedLibraryPath)
		}
		if err := ort.InitializeEnvironment(); err != nil {
			return fmt.Errorf("Failed to initialize ONNX Runtime: %w", err)
		}
	}
	envRefs++
	return nil
}

func releaseEnvironment() {
	envLock.Lock()
	defer envLock.Unlock()
	envRefs--
	if envRefs == 0 && ort.IsInitialized() {
		ort.DestroyEnvironment()
	}
}

package espeak

/*
#cgo LDFLAGS: -lespeak-ng
#include <stdlib.h>
#include <string.h>
#include <espeak-ng/speak_lib.h>

static int
halo_init(void)
{
	return espeak_Initialize(AUDIO_OUTPUT_SYNCH_PLAYBACK, 500, NULL, 0);
}

static int
halo_voice(const char *lang)
{
	espeak_VOICE specs;
	memset(&specs, 0, sizeof(specs));
	specs.languages = lang;

	return espeak_SetVoiceByProperties(&specs);
}

static int
halo_say(const char *text, int rate, int pitch)
{
	if (!text)
	{ return -1; }

	espeak_SetParameter(espeakRATE, rate, 0);
	espeak_SetParameter(espeakPITCH, pitch, 0);

	espeak_ERROR rc = espeak_Synth(text, strlen(text) + 1, 0, POS_CHARACTER, 0, espeakCHARS_AUTO, NULL, NULL);
	if (rc != EE_OK)
	{ return (int)rc; }

	return espeak_Synchronize();
}

static int
halo_cancel(void)
{
	return espeak_Cancel();
}
*/
import "C"

import (
	"errors"
	"fmt"
	"sync"
	"unsafe"

	"halo/internal/tts"
)

// Engine drives espeak-ng with synchronous playback. One engine per process.
type Engine struct {
	once    sync.Once
	initErr error

	mu   sync.Mutex
	lang string
}

func New() *Engine { return &Engine{} }

func (e *Engine) init() error {
	e.once.Do(func() {
		if rc := C.halo_init(); rc < 0 {
			e.initErr = errors.New("espeak_Initialize failed")
		}
	})
	return e.initErr
}

func (e *Engine) Say(text string, v tts.Voice) error {
	if text == "" {
		return nil
	}
	if err := e.init(); err != nil {
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	lang := v.Language
	if lang == "" {
		lang = "en"
	}
	if lang != e.lang {
		clang := C.CString(lang)
		rc := C.halo_voice(clang)
		C.free(unsafe.Pointer(clang))
		if rc != 0 {
			return fmt.Errorf("espeak voice %q: %d", lang, int(rc))
		}
		e.lang = lang
	}

	ctext := C.CString(text)
	defer C.free(unsafe.Pointer(ctext))

	if rc := C.halo_say(ctext, C.int(v.Rate), C.int(v.Pitch)); rc != 0 {
		return fmt.Errorf("espeak_say failed: %d", int(rc))
	}

	return nil
}

// Cancel stops the utterance in progress. It does not wait for Say.
func (e *Engine) Cancel() error {
	if err := e.init(); err != nil {
		return err
	}
	if rc := C.halo_cancel(); rc != 0 {
		return fmt.Errorf("espeak_Cancel failed: %d", int(rc))
	}
	return nil
}

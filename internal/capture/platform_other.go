//go:build !windows

package capture

func platformBackends() []string {
	return []string{"synthetic"}
}

func newPlatformScreen(int) (ScreenSource, error) {
	return nil, ErrUnsupported
}

func newPlatformAudio() (AudioSource, error) {
	return nil, ErrUnsupported
}

//go:build windows

package capture

func platformBackends() []string {
	return []string{"dxgi", "wasapi", "synthetic"}
}

func newPlatformScreen(display int) (ScreenSource, error) {
	return newDXGIScreen(display), nil
}

func newPlatformAudio() (AudioSource, error) {
	return newWASAPILoopback(), nil
}

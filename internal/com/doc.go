// Package com is the pure-Go COM vtable calling layer shared by the DXGI,
// WASAPI and Media Foundation backends. Everything except this comment is
// Windows-only.
package com

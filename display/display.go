// Package display renders the tally status screen onto a 128x64 SSD1306
// OLED over I2C.
package display

import (
	"fmt"
	"image"

	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"
	"periph.io/x/conn/v3/i2c"
	"periph.io/x/conn/v3/i2c/i2creg"
	"periph.io/x/devices/v3/ssd1306"
	"periph.io/x/devices/v3/ssd1306/image1bit"

	"github.com/martinmmi/tallyWAN/tally"
)

// Screen is an open SSD1306 panel.
type Screen struct {
	dev *ssd1306.Dev
	bus i2c.BusCloser
}

// Open connects to the panel on the named I2C bus ("" picks the first one).
func Open(busName string) (*Screen, error) {
	bus, err := i2creg.Open(busName)
	if err != nil {
		return nil, fmt.Errorf("display: open i2c bus: %w", err)
	}
	dev, err := ssd1306.NewI2C(bus, &ssd1306.DefaultOpts)
	if err != nil {
		bus.Close()
		return nil, fmt.Errorf("display: init ssd1306: %w", err)
	}
	return &Screen{dev: dev, bus: bus}, nil
}

// Close releases the I2C bus.
func (s *Screen) Close() error {
	if s == nil {
		return nil
	}
	return s.bus.Close()
}

// Render draws the status snapshot. Safe to call on a nil Screen so callers
// without a panel configured don't need to branch.
func (s *Screen) Render(snap tally.Snapshot) error {
	if s == nil {
		return nil
	}
	bounds := s.dev.Bounds()
	img := image1bit.NewVerticalLSB(bounds)
	drawer := font.Drawer{
		Dst:  img,
		Src:  &image.Uniform{image1bit.On},
		Face: basicfont.Face7x13,
	}
	for i, line := range Lines(snap) {
		drawer.Dot = fixed.P(0, 13*(i+1))
		drawer.DrawString(line)
	}
	return s.dev.Draw(bounds, img, image.Point{})
}

// Lines lays out the screen contents, one string per text row.
func Lines(snap tally.Snapshot) []string {
	clk := 0
	if snap.Clock {
		clk = 1
	}
	lines := []string{
		fmt.Sprintf("TallyWAN     CLK %d", clk),
		fmt.Sprintf("SEND: %s", snap.LastSent),
	}
	if snap.Received > 0 {
		lines = append(lines, fmt.Sprintf("RECV: %s", snap.LastReceived))
	}
	lines = append(lines, fmt.Sprintf("Time: %d min", int(snap.Uptime.Minutes())))
	return lines
}

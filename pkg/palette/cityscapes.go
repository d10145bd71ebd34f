package palette

// Names of the 19 Cityscapes training classes, indexed by train ID
var CityscapesClasses = []string{
	"road",
	"sidewalk",
	"building",
	"wall",
	"fence",
	"pole",
	"traffic light",
	"traffic sign",
	"vegetation",
	"terrain",
	"sky",
	"person",
	"rider",
	"car",
	"truck",
	"bus",
	"train",
	"motorcycle",
	"bicycle",
}

// Cityscapes returns the color table that we use for our street scene segmentation model.
// Only the classes that matter for driving are colored. Background-ish classes
// (wall through sky) share the default color.
func Cityscapes() *ColorTable {
	colors := make([]RGB, len(CityscapesClasses))
	for i := range colors {
		colors[i] = DefaultColor
	}
	colors[0] = RGB{128, 64, 128} // road
	colors[1] = RGB{244, 35, 232} // sidewalk
	colors[2] = RGB{70, 70, 70}   // building
	colors[11] = RGB{220, 20, 60} // person
	colors[12] = RGB{255, 0, 0}   // rider
	colors[13] = RGB{0, 0, 142}   // car
	colors[14] = RGB{0, 0, 70}    // truck
	colors[15] = RGB{0, 60, 100}  // bus
	colors[16] = RGB{0, 80, 100}  // train
	colors[17] = RGB{0, 0, 230}   // motorcycle
	colors[18] = RGB{119, 11, 32} // bicycle
	t, err := New(colors, DefaultColor)
	if err != nil {
		panic(err)
	}
	return t
}

package vision

import (
	"fmt"
	"image"
	"math"

	"gocv.io/x/gocv"
)

// cornerRefineSubpix is the OpenCV CORNER_REFINE_SUBPIX refinement mode.
const cornerRefineSubpix = 1

// arucoDictionaries maps configured dictionary names onto the predefined
// OpenCV dictionaries.
var arucoDictionaries = map[string]gocv.ArucoDictionaryCode{
	"DICT_4X4_50":         gocv.ArucoDict4x4_50,
	"DICT_4X4_100":        gocv.ArucoDict4x4_100,
	"DICT_4X4_250":        gocv.ArucoDict4x4_250,
	"DICT_4X4_1000":       gocv.ArucoDict4x4_1000,
	"DICT_5X5_50":         gocv.ArucoDict5x5_50,
	"DICT_5X5_100":        gocv.ArucoDict5x5_100,
	"DICT_5X5_250":        gocv.ArucoDict5x5_250,
	"DICT_5X5_1000":       gocv.ArucoDict5x5_1000,
	"DICT_6X6_50":         gocv.ArucoDict6x6_50,
	"DICT_6X6_100":        gocv.ArucoDict6x6_100,
	"DICT_6X6_250":        gocv.ArucoDict6x6_250,
	"DICT_6X6_1000":       gocv.ArucoDict6x6_1000,
	"DICT_7X7_50":         gocv.ArucoDict7x7_50,
	"DICT_7X7_100":        gocv.ArucoDict7x7_100,
	"DICT_7X7_250":        gocv.ArucoDict7x7_250,
	"DICT_7X7_1000":       gocv.ArucoDict7x7_1000,
	"DICT_ARUCO_ORIGINAL": gocv.ArucoDictArucoOriginal,
	"DICT_APRILTAG_16h5":  gocv.ArucoDictAprilTag_16h5,
	"DICT_APRILTAG_25h9":  gocv.ArucoDictAprilTag_25h9,
	"DICT_APRILTAG_36h10": gocv.ArucoDictAprilTag_36h10,
	"DICT_APRILTAG_36h11": gocv.ArucoDictAprilTag_36h11,
}

// ArucoDetector wraps the OpenCV ArUco detector behind the Detector
// interface.
type ArucoDetector struct {
	detector gocv.ArucoDetector
}

// NewArucoDetector builds a detector for the named dictionary. Parameters
// are tuned for small/far markers while keeping false positives reasonable.
func NewArucoDetector(dictionaryName string) (*ArucoDetector, error) {
	code, ok := arucoDictionaries[dictionaryName]
	if !ok {
		return nil, fmt.Errorf("%w: unsupported dictionary %q", ErrDetectorUnavailable, dictionaryName)
	}

	dictionary := gocv.GetPredefinedDictionary(code)
	params := gocv.NewArucoDetectorParameters()
	params.SetAdaptiveThreshWinSizeMin(3)
	params.SetAdaptiveThreshWinSizeMax(53)
	params.SetAdaptiveThreshWinSizeStep(4)
	params.SetMinMarkerPerimeterRate(0.01)
	params.SetMaxMarkerPerimeterRate(4.0)
	params.SetMinCornerDistanceRate(0.01)
	params.SetCornerRefinementMethod(cornerRefineSubpix)
	params.SetDetectInvertedMarker(true)

	return &ArucoDetector{
		detector: gocv.NewArucoDetectorWithParams(dictionary, params),
	}, nil
}

// Close releases the native detector.
func (a *ArucoDetector) Close() error {
	return a.detector.Close()
}

// Detect decodes markers from a JPEG. It retries with a 2x up-scaled variant
// for small frames and a contrast-enhanced variant before giving up.
func (a *ArucoDetector) Detect(jpeg []byte) (Frame, error) {
	img, err := gocv.IMDecode(jpeg, gocv.IMReadColor)
	if err != nil || img.Empty() {
		if err == nil {
			img.Close()
		}
		return Frame{}, ErrDecodeFailed
	}
	defer img.Close()

	width, height := img.Cols(), img.Rows()

	gray := gocv.NewMat()
	defer gray.Close()
	gocv.CvtColor(img, &gray, gocv.ColorBGRToGray)

	type attempt struct {
		mat       gocv.Mat
		scaleBack float64
		owned     bool
	}
	attempts := []attempt{{mat: gray, scaleBack: 1.0}}

	if min(width, height) <= 1000 {
		upscaled := gocv.NewMat()
		gocv.Resize(gray, &upscaled, image.Point{}, 2.0, 2.0, gocv.InterpolationCubic)
		attempts = append(attempts, attempt{mat: upscaled, scaleBack: 0.5, owned: true})
	}

	clahe := gocv.NewCLAHEWithParams(2.0, image.Pt(8, 8))
	defer clahe.Close()
	enhanced := gocv.NewMat()
	clahe.Apply(gray, &enhanced)
	attempts = append(attempts, attempt{mat: enhanced, scaleBack: 1.0, owned: true})

	defer func() {
		for _, at := range attempts {
			if at.owned {
				at.mat.Close()
			}
		}
	}()

	var markers []Detection
	for _, at := range attempts {
		corners, ids, _ := a.detector.DetectMarkers(at.mat)
		if len(ids) == 0 {
			continue
		}
		markers = buildDetections(corners, ids, at.scaleBack)
		break
	}

	return Frame{Markers: markers, Width: width, Height: height}, nil
}

func buildDetections(corners [][]gocv.Point2f, ids []int, scaleBack float64) []Detection {
	markers := make([]Detection, 0, len(ids))
	for i, id := range ids {
		if i >= len(corners) || len(corners[i]) < 4 {
			continue
		}
		var det Detection
		det.ID = id
		var cx, cy float64
		for j := 0; j < 4; j++ {
			x := float64(corners[i][j].X) * scaleBack
			y := float64(corners[i][j].Y) * scaleBack
			det.Corners[j] = [2]float64{x, y}
			cx += x
			cy += y
		}
		det.Center = [2]float64{cx / 4, cy / 4}
		det.AreaPx = quadArea(det.Corners)
		markers = append(markers, det)
	}
	return markers
}

// quadArea is the shoelace area of the corner quadrilateral.
func quadArea(c [4][2]float64) float64 {
	var sum float64
	for i := 0; i < 4; i++ {
		j := (i + 1) % 4
		sum += c[i][0]*c[j][1] - c[j][0]*c[i][1]
	}
	return math.Abs(sum) / 2
}

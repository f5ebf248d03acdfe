package detector

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/spf13/afero"
	"golang.org/x/text/unicode/norm"
)

// Labels maps model class ids to display names.
type Labels map[int]string

// Name returns the label for id, or "class <id>" when unknown.
func (l Labels) Name(id int) string {
	if name, ok := l[id]; ok {
		return name
	}
	return "class " + strconv.Itoa(id)
}

// COCOLabels is the 90-id COCO label map used by SSD models trained with the
// TensorFlow object detection API. Ids without a class are absent.
var COCOLabels = Labels{
	1: "person", 2: "bicycle", 3: "car", 4: "motorcycle", 5: "airplane",
	6: "bus", 7: "train", 8: "truck", 9: "boat", 10: "traffic light",
	11: "fire hydrant", 13: "stop sign", 14: "parking meter", 15: "bench",
	16: "bird", 17: "cat", 18: "dog", 19: "horse", 20: "sheep", 21: "cow",
	22: "elephant", 23: "bear", 24: "zebra", 25: "giraffe", 27: "backpack",
	28: "umbrella", 31: "handbag", 32: "tie", 33: "suitcase", 34: "frisbee",
	35: "skis", 36: "snowboard", 37: "sports ball", 38: "kite",
	39: "baseball bat", 40: "baseball glove", 41: "skateboard",
	42: "surfboard", 43: "tennis racket", 44: "bottle", 46: "wine glass",
	47: "cup", 48: "fork", 49: "knife", 50: "spoon", 51: "bowl",
	52: "banana", 53: "apple", 54: "sandwich", 55: "orange", 56: "broccoli",
	57: "carrot", 58: "hot dog", 59: "pizza", 60: "donut", 61: "cake",
	62: "chair", 63: "couch", 64: "potted plant", 65: "bed",
	67: "dining table", 70: "toilet", 72: "tv", 73: "laptop", 74: "mouse",
	75: "remote", 76: "keyboard", 77: "cell phone", 78: "microwave",
	79: "oven", 80: "toaster", 81: "sink", 82: "refrigerator", 84: "book",
	85: "clock", 86: "vase", 87: "scissors", 88: "teddy bear",
	89: "hair drier", 90: "toothbrush",
}

// ParseLabels reads a label file. Each line is either "<id> <name>" or a bare
// name, in which case the id is the 1-based line number. Blank lines and
// lines starting with '#' are skipped but still advance the line number.
func ParseLabels(r io.Reader) (Labels, error) {
	out := Labels{}
	scanner := bufio.NewScanner(r)
	line := 0
	for scanner.Scan() {
		line++
		text := strings.TrimSpace(norm.NFC.String(scanner.Text()))
		if text == "" || strings.HasPrefix(text, "#") {
			continue
		}
		id, name := line, text
		if head, rest, ok := strings.Cut(text, " "); ok {
			if n, err := strconv.Atoi(head); err == nil {
				id, name = n, strings.TrimSpace(rest)
			}
		}
		if name == "" {
			return nil, fmt.Errorf("line %d: empty label", line)
		}
		out[id] = name
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	if len(out) == 0 {
		return nil, errors.New("no labels found")
	}
	return out, nil
}

// LoadLabels reads a label file from fsys. An empty path yields COCOLabels.
func LoadLabels(fsys afero.Fs, path string) (Labels, error) {
	if path == "" {
		return COCOLabels, nil
	}
	f, err := fsys.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open labels: %w", err)
	}
	defer func() { _ = f.Close() }()
	labels, err := ParseLabels(f)
	if err != nil {
		return nil, fmt.Errorf("parse labels %s: %w", path, err)
	}
	return labels, nil
}

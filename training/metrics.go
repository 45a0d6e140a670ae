package training

import (
	"fmt"
	"strings"
)

// ConfusionMatrix counts predictions per (true, predicted) class pair.
// Rows are true classes, columns predicted classes.
type ConfusionMatrix struct {
	NumClasses int
	Matrix     [][]int
	total      int
}

// NewConfusionMatrix creates an empty matrix for numClasses classes
func NewConfusionMatrix(numClasses int) *ConfusionMatrix {
	matrix := make([][]int, numClasses)
	for i := range matrix {
		matrix[i] = make([]int, numClasses)
	}
	return &ConfusionMatrix{NumClasses: numClasses, Matrix: matrix}
}

// Reset clears all counts
func (cm *ConfusionMatrix) Reset() {
	for i := range cm.Matrix {
		for j := range cm.Matrix[i] {
			cm.Matrix[i][j] = 0
		}
	}
	cm.total = 0
}

// Add records one prediction.
func (cm *ConfusionMatrix) Add(predicted, actual int) error {
	if predicted < 0 || predicted >= cm.NumClasses || actual < 0 || actual >= cm.NumClasses {
		return fmt.Errorf("class out of range: predicted %d, actual %d, classes %d", predicted, actual, cm.NumClasses)
	}
	cm.Matrix[actual][predicted]++
	cm.total++
	return nil
}

// Total returns the number of recorded predictions
func (cm *ConfusionMatrix) Total() int { return cm.total }

// Correct returns the number of predictions on the diagonal
func (cm *ConfusionMatrix) Correct() int {
	correct := 0
	for i := 0; i < cm.NumClasses; i++ {
		correct += cm.Matrix[i][i]
	}
	return correct
}

// Accuracy returns correct/total, or 0 for an empty matrix. Callers that
// must not accept an empty evaluation check Total first.
func (cm *ConfusionMatrix) Accuracy() float64 {
	if cm.total == 0 {
		return 0
	}
	return float64(cm.Correct()) / float64(cm.total)
}

// Precision of one class; 0 when the class was never predicted.
func (cm *ConfusionMatrix) Precision(class int) float64 {
	predicted := 0
	for i := 0; i < cm.NumClasses; i++ {
		predicted += cm.Matrix[i][class]
	}
	if predicted == 0 {
		return 0
	}
	return float64(cm.Matrix[class][class]) / float64(predicted)
}

// Recall of one class; 0 when the class never occurred.
func (cm *ConfusionMatrix) Recall(class int) float64 {
	actual := 0
	for j := 0; j < cm.NumClasses; j++ {
		actual += cm.Matrix[class][j]
	}
	if actual == 0 {
		return 0
	}
	return float64(cm.Matrix[class][class]) / float64(actual)
}

// F1 of one class.
func (cm *ConfusionMatrix) F1(class int) float64 {
	p, r := cm.Precision(class), cm.Recall(class)
	if p+r == 0 {
		return 0
	}
	return 2 * p * r / (p + r)
}

func (cm *ConfusionMatrix) macro(fn func(int) float64) float64 {
	if cm.NumClasses == 0 {
		return 0
	}
	var sum float64
	for c := 0; c < cm.NumClasses; c++ {
		sum += fn(c)
	}
	return sum / float64(cm.NumClasses)
}

func (cm *ConfusionMatrix) MacroPrecision() float64 { return cm.macro(cm.Precision) }
func (cm *ConfusionMatrix) MacroRecall() float64    { return cm.macro(cm.Recall) }
func (cm *ConfusionMatrix) MacroF1() float64        { return cm.macro(cm.F1) }

// String renders the matrix one true class per line.
func (cm *ConfusionMatrix) String() string {
	var sb strings.Builder
	for i, row := range cm.Matrix {
		fmt.Fprintf(&sb, "%d:", i)
		for _, v := range row {
			fmt.Fprintf(&sb, " %4d", v)
		}
		sb.WriteString("\n")
	}
	return sb.String()
}

package balancer

import (
	"math"
	"sync"

	"gonum.org/v1/gonum/mat"
)

const (
	// Окно наблюдений: переобучаемся на последних maxSamples
	maxSamples = 5000
	// Переобучение каждые retrainEvery новых наблюдений после порога
	retrainEvery = 100
)

// Model — линейная регрессия (МНК) поверх нормированных фич эндпоинта.
// Целевая переменная — результативность завершенного запроса. До
// накопления minSamples наблюдений предсказаний не дает и балансировщик
// работает на эвристике.
type Model struct {
	minSamples int

	mu       sync.Mutex
	features [][]float64
	labels   []float64
	sinceFit int

	coefMu sync.RWMutex
	coef   []float64 // [bias, w0, w1, ...]; nil — модель не обучена
}

func NewModel(minSamples int) *Model {
	if minSamples <= 0 {
		minSamples = 200
	}
	return &Model{minSamples: minSamples}
}

// Observe добавляет наблюдение и при необходимости переобучает модель.
func (m *Model) Observe(feats []float64, label float64) {
	m.mu.Lock()
	m.features = append(m.features, feats)
	m.labels = append(m.labels, label)
	if len(m.features) > maxSamples {
		m.features = m.features[len(m.features)-maxSamples:]
		m.labels = m.labels[len(m.labels)-maxSamples:]
	}
	m.sinceFit++
	shouldFit := len(m.features) >= m.minSamples &&
		(m.coefIsNil() || m.sinceFit >= retrainEvery)
	var xs [][]float64
	var ys []float64
	if shouldFit {
		m.sinceFit = 0
		xs = make([][]float64, len(m.features))
		copy(xs, m.features)
		ys = make([]float64, len(m.labels))
		copy(ys, m.labels)
	}
	m.mu.Unlock()

	if shouldFit {
		m.fit(xs, ys)
	}
}

func (m *Model) coefIsNil() bool {
	m.coefMu.RLock()
	defer m.coefMu.RUnlock()
	return m.coef == nil
}

// fit решает задачу наименьших квадратов через QR-разложение.
func (m *Model) fit(xs [][]float64, ys []float64) {
	n := len(xs)
	if n == 0 {
		return
	}
	d := len(xs[0]) + 1 // +bias
	if n < d {
		return
	}

	x := mat.NewDense(n, d, nil)
	y := mat.NewDense(n, 1, nil)
	for i, row := range xs {
		x.Set(i, 0, 1.0)
		for j, v := range row {
			x.Set(i, j+1, v)
		}
		y.Set(i, 0, ys[i])
	}

	var qr mat.QR
	qr.Factorize(x)
	var beta mat.Dense
	if err := qr.SolveTo(&beta, false, y); err != nil {
		// Вырожденная матрица фич — остаемся на прежних коэффициентах
		return
	}

	coef := make([]float64, d)
	for i := range coef {
		v := beta.At(i, 0)
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return
		}
		coef[i] = v
	}

	m.coefMu.Lock()
	m.coef = coef
	m.coefMu.Unlock()
}

// Predict возвращает оценку результативности для вектора фич.
// false — модель еще не обучена или размерность не совпала.
func (m *Model) Predict(feats []float64) (float64, bool) {
	m.coefMu.RLock()
	coef := m.coef
	m.coefMu.RUnlock()
	if coef == nil || len(coef) != len(feats)+1 {
		return 0, false
	}
	v := coef[0]
	for i, f := range feats {
		v += coef[i+1] * f
	}
	// Оценка ограничена: скоринг сравнительный, выбросы не нужны
	return clamp01(v), true
}

// Trained — обучена ли модель хотя бы раз.
func (m *Model) Trained() bool {
	return !m.coefIsNil()
}

package domain

import (
	"errors"
	"fmt"
)

var (
	// ErrValidation: базовая ошибка валидации входных данных запуска.
	ErrValidation = errors.New("validation failed")
	// ErrItemProcessing: ошибка обработки отдельного элемента пакета.
	ErrItemProcessing = errors.New("item processing failed")
	// ErrPersistence: ошибка записи или чтения хранилища прогресса.
	ErrPersistence = errors.New("persistence failed")
	// ErrJobNotFound возвращается, если запись прогресса для jobID отсутствует.
	ErrJobNotFound = errors.New("job progress not found")
	// ErrJobInFlight сигнализирует, что для jobID уже выполняется запуск в этом процессе.
	ErrJobInFlight = errors.New("job run already in flight")
	// ErrProgressOutOfRange: processed вне диапазона [0, total].
	ErrProgressOutOfRange = errors.New("progress out of range")
	// ErrInvalidTransition: недопустимый переход статуса задания.
	ErrInvalidTransition = errors.New("invalid job status transition")
	// ErrItemTemporary: временная ошибка элемента, операцию можно повторить.
	ErrItemTemporary = errors.New("item temporary error")
	// ErrCompensationUnsupported: процессор не умеет откатывать элементы.
	ErrCompensationUnsupported = errors.New("item compensation is not supported")
	// ErrOrderNotFound возвращается, если заказ не найден в репозитории.
	ErrOrderNotFound = errors.New("order not found")
	// ErrOrderVersionConflict сигнализирует о конфликте версий при сохранении.
	ErrOrderVersionConflict = errors.New("order version conflict")
	// ErrOrderNotShippable: заказ в статусе, из которого отгрузка невозможна.
	ErrOrderNotShippable = errors.New("order is not shippable")
)

// ValidationError описывает отклонённый до старта запрос.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// Unwrap позволяет проверять ошибку через errors.Is(err, ErrValidation).
func (e *ValidationError) Unwrap() error { return ErrValidation }

// NewValidationError создаёт ошибку валидации для поля.
func NewValidationError(field, reason string) *ValidationError {
	return &ValidationError{Field: field, Reason: reason}
}

// ItemProcessingError оборачивает сбой обработки одного элемента.
type ItemProcessingError struct {
	Item ItemRef
	Err  error
}

func (e *ItemProcessingError) Error() string {
	return fmt.Sprintf("process item %s: %v", e.Item, e.Err)
}

// Is позволяет сопоставлять ошибку как с ErrItemProcessing, так и с причиной.
func (e *ItemProcessingError) Is(target error) bool {
	return target == ErrItemProcessing
}

func (e *ItemProcessingError) Unwrap() error { return e.Err }

// NewItemProcessingError заворачивает err, если он ещё не является ItemProcessingError.
func NewItemProcessingError(item ItemRef, err error) error {
	if err == nil {
		return nil
	}
	var existing *ItemProcessingError
	if errors.As(err, &existing) {
		return err
	}
	return &ItemProcessingError{Item: item, Err: err}
}

// PersistenceError описывает сбой операции хранилища прогресса.
type PersistenceError struct {
	Op    string
	JobID string
	Err   error
}

func (e *PersistenceError) Error() string {
	if e.JobID == "" {
		return fmt.Sprintf("%s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("%s (job %s): %v", e.Op, e.JobID, e.Err)
}

func (e *PersistenceError) Is(target error) bool {
	return target == ErrPersistence
}

func (e *PersistenceError) Unwrap() error { return e.Err }

// NewPersistenceError оборачивает ошибку хранилища. Доменные ошибки
// (not found, out of range, transition) возвращаются как есть.
func NewPersistenceError(op, jobID string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrJobNotFound) ||
		errors.Is(err, ErrProgressOutOfRange) ||
		errors.Is(err, ErrInvalidTransition) ||
		errors.Is(err, ErrPersistence) {
		return err
	}
	return &PersistenceError{Op: op, JobID: jobID, Err: err}
}

// IsVersionConflict проверяет, является ли ошибка конфликтом версий.
func IsVersionConflict(err error) bool {
	return errors.Is(err, ErrOrderVersionConflict)
}

// IsTemporary сообщает, можно ли повторить операцию над элементом.
func IsTemporary(err error) bool {
	return errors.Is(err, ErrItemTemporary)
}

// Package workflow выполняет упорядоченный список шагов бизнес-процесса.
package workflow

import (
	"context"

	"go.uber.org/zap"
)

// Step описывает один шаг процесса. Критичный шаг при ошибке прерывает
// выполнение, некритичный — только логируется.
type Step struct {
	Name     string
	Critical bool
	Run      func(ctx context.Context) error
}

// Run выполняет шаги по порядку. При ошибке критичного шага возвращает его имя
// и ошибку, остальные шаги не выполняются. Ошибки некритичных шагов логируются
// и не влияют на результат.
func Run(ctx context.Context, logger *zap.Logger, steps []Step) (string, error) {
	for _, step := range steps {
		if err := ctx.Err(); err != nil {
			return step.Name, err
		}

		err := step.Run(ctx)
		if err == nil {
			continue
		}

		if step.Critical {
			return step.Name, err
		}

		logger.Warn("best-effort step failed",
			zap.String("step", step.Name),
			zap.Error(err),
		)
	}

	return "", nil
}

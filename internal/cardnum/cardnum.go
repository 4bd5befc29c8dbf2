// Package cardnum генерирует и проверяет номера карт лояльности.
package cardnum

import (
	"fmt"
	"math/rand"
	"regexp"
	"time"
)

var cardNumberPattern = regexp.MustCompile(`^GC-\d{6}-\d{4}$`)

// Generate возвращает номер карты в формате GC-XXXXXX-YYYY, где XXXXXX —
// последние шесть цифр текущего времени в миллисекундах, а YYYY — случайное
// четырёхзначное число. Глобальная уникальность номера не гарантируется:
// уникальность карты обеспечивается ограничением на пару (клиент, программа).
func Generate(now time.Time) string {
	suffix := now.UnixMilli() % 1_000_000
	return fmt.Sprintf("GC-%06d-%04d", suffix, rand.Intn(10_000))
}

// IsValid проверяет, что строка соответствует формату номера карты.
func IsValid(number string) bool {
	return cardNumberPattern.MatchString(number)
}

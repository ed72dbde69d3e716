// Пакет poller — опрос внешних источников прошивок Tasmota.
// Источники двух типов: GitHub Releases API и OTA-серверы с directory
// listing. Классификатор имён файлов детерминирован: одно и то же имя
// всегда даёт один и тот же результат.
package poller

import (
	"strings"

	"github.com/Techposts/Tasmotic/internal/domain/model"
)

// Classification — результат разбора имени файла прошивки.
type Classification struct {
	ChipType      model.ChipType
	Variant       string
	Features      []string
	Compatibility []string
}

// variantFeatures — фиксированные наборы возможностей по вариантам сборки.
var variantFeatures = map[string][]string{
	"minimal": {"OTA", "Basic GPIO"},
	"lite":    {"MQTT", "WiFi", "Basic Controls"},
	"sensors": {"All Sensors", "DHT22", "DS18B20", "BMP280"},
	"display": {"Display Support", "SSD1306", "ILI9341"},
	"ir":      {"IR Transmit", "IR Receive", "HVAC Control"},
	"zigbee":  {"Zigbee Bridge", "CC2530", "Coordinator"},
	"knx":     {"KNX Protocol", "Building Automation"},
}

// variantOrder — порядок проверки токенов: первый найденный выигрывает.
var variantOrder = []string{"minimal", "lite", "sensors", "display", "ir", "zigbee", "knx"}

// Classify разбирает имя файла прошивки: чип, вариант сборки, набор
// возможностей и языковая локаль. Чистая функция без внешнего состояния.
func Classify(filename string) Classification {
	name := strings.ToLower(strings.TrimSuffix(filename, ".bin"))

	chip := model.ChipESP8266
	if strings.Contains(name, "tasmota32") || strings.Contains(name, "esp32") {
		chip = model.ChipESP32
	}

	variant := "standard"
	var features []string
	for _, v := range variantOrder {
		if strings.Contains(name, v) {
			variant = v
			features = append([]string(nil), variantFeatures[v]...)
			break
		}
	}

	var compatibility []string
	if strings.Contains(name, "-de") {
		variant += "-de"
		compatibility = append(compatibility, "German")
	} else if strings.Contains(name, "-cn") {
		variant += "-cn"
		compatibility = append(compatibility, "Chinese")
	}

	return Classification{
		ChipType:      chip,
		Variant:       variant,
		Features:      features,
		Compatibility: compatibility,
	}
}

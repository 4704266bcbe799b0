package device

import (
	"fmt"
	"sort"
	"strings"
)

type SensorKey string

type Unit string

type Class string

const (
	SensorBatteryPercent SensorKey = "battery_percent"

	UnitPercent Unit = "%"

	ClassBattery Class = "battery"
)

// Sensor is one decoded value. Value is deliberately untyped: the families
// handled so far report numeric levels, but state/mode style sensors are
// string-valued.
type Sensor struct {
	Key   SensorKey
	Unit  Unit
	Value any
	Class Class
	Label string
}

// Update is the outcome of one observation or poll cycle: the device identity
// paired with every sensor value decoded during the cycle. Keys are unique
// within an update; insertion order carries no meaning.
type Update struct {
	Identity Identity
	Sensors  map[SensorKey]Sensor
}

// Merge combines two updates for the same device, preferring values from
// other where both define the same sensor key.
func (u Update) Merge(other Update) Update {
	out := Update{
		Identity: u.Identity,
		Sensors:  make(map[SensorKey]Sensor, len(u.Sensors)+len(other.Sensors)),
	}

	if other.Identity != (Identity{}) {
		out.Identity = other.Identity
	}

	for k, s := range u.Sensors {
		out.Sensors[k] = s
	}

	for k, s := range other.Sensors {
		out.Sensors[k] = s
	}

	return out
}

func (u Update) String() string {
	keys := make([]string, 0, len(u.Sensors))

	for k := range u.Sensors {
		keys = append(keys, string(k))
	}

	sort.Strings(keys)

	fields := make([]string, 0, len(keys))

	for _, k := range keys {
		s := u.Sensors[SensorKey(k)]
		fields = append(fields, fmt.Sprintf("%s=%v%s", k, s.Value, s.Unit))
	}

	return fmt.Sprintf("Update[%s,%s]", u.Identity.DisplayName, strings.Join(fields, ","))
}

// Sink accumulates sensor values during a single poll cycle. It is owned by
// exactly one session at a time and is not safe for concurrent use.
type Sink struct {
	sensors map[SensorKey]Sensor
}

func NewSink() *Sink {
	return &Sink{
		sensors: make(map[SensorKey]Sensor),
	}
}

// Record stores one sensor value. Recording the same key again overwrites the
// previous entry.
func (s *Sink) Record(key SensorKey, unit Unit, value any, class Class, label string) {
	s.sensors[key] = Sensor{
		Key:   key,
		Unit:  unit,
		Value: value,
		Class: class,
		Label: label,
	}
}

func (s *Sink) Len() int {
	return len(s.sensors)
}

// Finish pairs the accumulated values with the device identity and resets the
// sink for the next cycle.
func (s *Sink) Finish(id Identity) Update {
	out := Update{
		Identity: id,
		Sensors:  s.sensors,
	}

	s.sensors = make(map[SensorKey]Sensor)

	return out
}

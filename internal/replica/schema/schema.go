package schema

import (
	_ "embed"
	"errors"
	"fmt"
	"os"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

//go:embed cars.yaml
var carsModule []byte

// PropertyType is the storage type of a property.
type PropertyType string

const (
	TypeString         PropertyType = "string"
	TypeInt            PropertyType = "int"
	TypeFloat          PropertyType = "float"
	TypeBool           PropertyType = "bool"
	TypeDate           PropertyType = "date"
	TypeObject         PropertyType = "object"
	TypeList           PropertyType = "list"
	TypeLinkingObjects PropertyType = "linkingObjects"
)

// IsLink reports whether the property stores links to other objects.
func (t PropertyType) IsLink() bool {
	return t == TypeObject || t == TypeList
}

// ErrUnknownClass is returned when a class name is not part of the schema.
var ErrUnknownClass = errors.New("unknown class")

// Property describes a single field of a class.
type Property struct {
	Name string       `yaml:"name" validate:"required"`
	Type PropertyType `yaml:"type" validate:"required,oneof=string int float bool date object list linkingObjects"`

	// ObjectType is the target class of object, list and linkingObjects properties.
	ObjectType string `yaml:"objectType,omitempty" validate:"required_if=Type object,required_if=Type list,required_if=Type linkingObjects"`

	// OriginProperty is the link in ObjectType that a linkingObjects property inverts.
	OriginProperty string `yaml:"property,omitempty" validate:"required_if=Type linkingObjects"`

	Required bool `yaml:"required,omitempty"`
	Indexed  bool `yaml:"indexed,omitempty"`
}

// ObjectSchema describes one class.
type ObjectSchema struct {
	Name       string     `yaml:"name" validate:"required,alphanum"`
	PrimaryKey string     `yaml:"primaryKey,omitempty"`
	Properties []Property `yaml:"properties" validate:"required,min=1,dive"`

	props map[string]*Property
}

// Property returns the named property.
func (c *ObjectSchema) Property(name string) (*Property, bool) {
	p, ok := c.props[name]
	return p, ok
}

// InverseRef names a linkingObjects property fed by a link.
type InverseRef struct {
	Class    string
	Property string
}

// Schema is a validated set of classes.
type Schema struct {
	Version int             `yaml:"version"`
	Classes []*ObjectSchema `yaml:"classes" validate:"required,min=1,dive"`

	classes  map[string]*ObjectSchema
	inverses map[string][]InverseRef // "Class.field" -> inverses
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Parse decodes and validates a YAML schema module.
func Parse(data []byte) (*Schema, error) {
	var s Schema
	if err := yaml.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("failed to parse schema: %w", err)
	}
	if err := s.Validate(); err != nil {
		return nil, err
	}
	return &s, nil
}

// Load reads a YAML schema module from disk.
func Load(path string) (*Schema, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read schema %s: %w", path, err)
	}
	s, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("invalid schema %s: %w", path, err)
	}
	return s, nil
}

// Default returns the built-in Car / Manufacture / Owner module.
func Default() *Schema {
	s, err := Parse(carsModule)
	if err != nil {
		panic(fmt.Sprintf("built-in schema is invalid: %v", err))
	}
	return s
}

// Validate checks field constraints and cross-class references, and builds the
// lookup indexes. It must be called before the schema is used.
func (s *Schema) Validate() error {
	if err := validate.Struct(s); err != nil {
		return fmt.Errorf("invalid schema: %w", err)
	}

	s.classes = make(map[string]*ObjectSchema, len(s.Classes))
	for _, c := range s.Classes {
		if _, dup := s.classes[c.Name]; dup {
			return fmt.Errorf("duplicate class %s", c.Name)
		}
		s.classes[c.Name] = c

		c.props = make(map[string]*Property, len(c.Properties))
		for i := range c.Properties {
			p := &c.Properties[i]
			if _, dup := c.props[p.Name]; dup {
				return fmt.Errorf("duplicate property %s.%s", c.Name, p.Name)
			}
			c.props[p.Name] = p
		}

		if c.PrimaryKey != "" {
			pk, ok := c.props[c.PrimaryKey]
			if !ok {
				return fmt.Errorf("primary key %s.%s is not a property", c.Name, c.PrimaryKey)
			}
			if pk.Type != TypeString && pk.Type != TypeInt {
				return fmt.Errorf("primary key %s.%s must be string or int (got %s)", c.Name, c.PrimaryKey, pk.Type)
			}
		}
	}

	s.inverses = make(map[string][]InverseRef)
	for _, c := range s.Classes {
		for i := range c.Properties {
			p := &c.Properties[i]
			switch p.Type {
			case TypeObject, TypeList:
				if _, ok := s.classes[p.ObjectType]; !ok {
					return fmt.Errorf("%s.%s links to unknown class %s", c.Name, p.Name, p.ObjectType)
				}
			case TypeLinkingObjects:
				origin, ok := s.classes[p.ObjectType]
				if !ok {
					return fmt.Errorf("%s.%s inverts unknown class %s", c.Name, p.Name, p.ObjectType)
				}
				op, ok := origin.props[p.OriginProperty]
				if !ok {
					return fmt.Errorf("%s.%s inverts unknown property %s.%s", c.Name, p.Name, p.ObjectType, p.OriginProperty)
				}
				if !op.Type.IsLink() || op.ObjectType != c.Name {
					return fmt.Errorf("%s.%s: %s.%s is not a link to %s", c.Name, p.Name, p.ObjectType, p.OriginProperty, c.Name)
				}
				key := p.ObjectType + "." + p.OriginProperty
				s.inverses[key] = append(s.inverses[key], InverseRef{Class: c.Name, Property: p.Name})
			}
		}
	}

	return nil
}

// Class returns the named class.
func (s *Schema) Class(name string) (*ObjectSchema, bool) {
	c, ok := s.classes[name]
	return c, ok
}

// MustClass returns the named class or an error wrapping ErrUnknownClass.
func (s *Schema) MustClass(name string) (*ObjectSchema, error) {
	c, ok := s.classes[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownClass, name)
	}
	return c, nil
}

// ClassNames returns class names in declaration order.
func (s *Schema) ClassNames() []string {
	names := make([]string, 0, len(s.Classes))
	for _, c := range s.Classes {
		names = append(names, c.Name)
	}
	return names
}

// Inverses returns the linkingObjects properties computed from class.field.
func (s *Schema) Inverses(class, field string) []InverseRef {
	return s.inverses[class+"."+field]
}

// HasInverses reports whether any link in class feeds a linkingObjects property.
func (s *Schema) HasInverses(class string) bool {
	c, ok := s.classes[class]
	if !ok {
		return false
	}
	for _, p := range c.Properties {
		if p.Type == TypeLinkingObjects {
			return true
		}
		if p.Type.IsLink() && len(s.Inverses(class, p.Name)) > 0 {
			return true
		}
	}
	return false
}

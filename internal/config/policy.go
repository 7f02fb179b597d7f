package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"reflect"
	"strings"

	"github.com/alexjbarnes/transmission-proxy/internal/acl"
	"github.com/alexjbarnes/transmission-proxy/internal/auth"
	"github.com/go-playground/validator/v10"
	"golang.org/x/crypto/bcrypt"
	"gopkg.in/yaml.v3"
)

// Policy is the YAML policy file: who may sign in and what they may do.
//
//	providers:
//	  basic:
//	    enabled: true
//	    users:
//	      - username: admin
//	        password: $2y$10$...
//	  oauth2:
//	    - name: github
//	      enabled: true
//	      ...
//	acls:
//	  rules:
//	    - identities: [{provider: basic, name: admin}]
//	      allowed_methods: all
//	    - deny: true
type Policy struct {
	Providers auth.ProvidersConfig `yaml:"providers"`
	ACLs      ACLConfig            `yaml:"acls"`
}

// ACLConfig holds the ordered access rules.
type ACLConfig struct {
	Rules []acl.Rule `yaml:"rules" validate:"dive"`
}

// Snapshot is an immutable, ready-to-use policy.
type Snapshot struct {
	Engine    *acl.Engine
	Providers *auth.Providers
}

// BuildOptions carries what building providers needs beyond the file.
type BuildOptions struct {
	// PublicURL roots OAuth2 callbacks.
	PublicURL  string
	Logins     *auth.LoginStore
	HTTPClient *http.Client
	Logger     *slog.Logger
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())

	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("yaml"), ",")
		if name == "-" {
			return ""
		}
		return name
	})

	_ = v.RegisterValidation("bcrypt", func(fl validator.FieldLevel) bool {
		_, err := bcrypt.Cost([]byte(fl.Field().String()))
		return err == nil
	})
	_ = v.RegisterValidation("reldir", func(fl validator.FieldLevel) bool {
		return acl.ValidDir(fl.Field().String())
	})

	return v
}

// LoadPolicy reads and validates the policy file at path.
func LoadPolicy(path string) (*Policy, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading policy: %w", err)
	}

	p, err := ParsePolicy(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return p, nil
}

// ParsePolicy decodes and validates a policy document. Unknown keys are
// errors. The basic provider is visible unless the document says
// otherwise.
func ParsePolicy(data []byte) (*Policy, error) {
	p := &Policy{
		Providers: auth.ProvidersConfig{
			Basic: auth.BasicConfig{Visible: true},
		},
	}

	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(p); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("decoding policy: %w", err)
	}

	if err := p.Validate(); err != nil {
		return nil, err
	}
	return p, nil
}

// Validate checks field constraints and cross-field rules.
func (p *Policy) Validate() error {
	if err := validate.Struct(p); err != nil {
		return fmt.Errorf("invalid policy: %w", describe(err))
	}

	seen := make(map[string]struct{}, len(p.Providers.OAuth2))
	for _, o := range p.Providers.OAuth2 {
		if _, dup := seen[o.Name]; dup {
			return fmt.Errorf("invalid policy: duplicate oauth2 provider %q", o.Name)
		}
		seen[o.Name] = struct{}{}
	}

	for i, r := range p.ACLs.Rules {
		for _, m := range r.Identities {
			if m.Provider != "oauth2" {
				continue
			}
			if _, ok := seen[m.OAuth2]; !ok {
				return fmt.Errorf("invalid policy: rule %d names unknown oauth2 provider %q", i, m.OAuth2)
			}
		}
	}

	return nil
}

// Build compiles the policy into a snapshot.
func (p *Policy) Build(opts BuildOptions) (*Snapshot, error) {
	engine, err := acl.NewEngine(p.ACLs.Rules)
	if err != nil {
		return nil, fmt.Errorf("compiling rules: %w", err)
	}

	providers := auth.BuildProviders(p.Providers, opts.PublicURL, opts.Logins, opts.HTTPClient, opts.Logger)

	return &Snapshot{Engine: engine, Providers: providers}, nil
}

// describe flattens validator errors into one readable error.
func describe(err error) error {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err
	}

	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		field := strings.TrimPrefix(fe.Namespace(), "Policy.")
		if fe.Param() != "" {
			msgs = append(msgs, fmt.Sprintf("%s: failed %s=%s", field, fe.Tag(), fe.Param()))
		} else {
			msgs = append(msgs, fmt.Sprintf("%s: failed %s", field, fe.Tag()))
		}
	}
	return errors.New(strings.Join(msgs, "; "))
}

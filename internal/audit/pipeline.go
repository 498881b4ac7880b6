package audit

// Config configures the audit writer chain.
type Config struct {
	ImmutableAudit bool
	RedactFields   []string
	Keyset         *EncryptionKeyset // nil disables encryption
}

// Build assembles the writer chain over inner, applied in this nesting:
// ComplianceGuard -> HashChain -> Redactor -> Encryptor. See redactor.go's
// doc comment for why Redactor runs before Encryptor.
func Build(inner Store, cfg Config) Store {
	s := inner
	if cfg.Keyset != nil {
		s = NewEncryptor(s, cfg.Keyset)
	}
	if len(cfg.RedactFields) > 0 {
		s = NewRedactor(s, cfg.RedactFields)
	}
	s = NewHashChain(s)
	s = NewComplianceGuard(s, cfg.ImmutableAudit)
	return s
}

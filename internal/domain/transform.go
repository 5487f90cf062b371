package domain

// TransformOptions are the delivery-time transformation parameters of an asset URL
type TransformOptions struct {
	Width  int
	Height int
	Crop   string
	Format string
}

// WithDefaults returns a copy with Crop defaulted to DefaultCrop
func (o TransformOptions) WithDefaults() TransformOptions {
	if o.Crop == "" {
		o.Crop = DefaultCrop
	}
	return o
}

// Validate rejects negative dimensions
func (o TransformOptions) Validate() error {
	if o.Width < 0 {
		return NewValidationError("width", "must not be negative")
	}
	if o.Height < 0 {
		return NewValidationError("height", "must not be negative")
	}
	return nil
}

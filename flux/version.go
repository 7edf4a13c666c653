package flux

const SdkVersion = "0.1.0"

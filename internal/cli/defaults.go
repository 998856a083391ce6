package cli

// defaultConfigFileContent is the configuration viper falls back to when no
// gortcd.yml is found on its search path: one interface, no static
// credentials (so the server refuses every Allocate until an operator adds
// some), and the management API disabled.
const defaultConfigFileContent = `
version: "1"
server:
  listen:
    - "0.0.0.0:3478"
  realm: "turnrelay"
  workers: 100
  reuseport: true
auth:
  public: false
  static: []
`

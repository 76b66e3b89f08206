// Package guest is the plugin side of the sandbox protocol.
//
// A plugin is a manifest plus a set of named functions:
//
//	func main() {
//		guest.Main(&guest.Plugin{
//			Functions: map[string]guest.Func{
//				"add": func(c *guest.Call) (protocol.Value, error) {
//					a, err := c.NumberArg(0)
//					if err != nil {
//						return protocol.Null(), err
//					}
//					b, err := c.NumberArg(1)
//					if err != nil {
//						return protocol.Null(), err
//					}
//					return protocol.Number(a + b), nil
//				},
//			},
//		})
//	}
//
// Main serves the plugin over stdin and stdout, which is what the exec://
// and wasm:// workers expect. Serve runs it over any protocol.Port.
package guest
